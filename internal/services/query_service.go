package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/internal/geo"
	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/models"
	"example.com/estate/services/searchsync/internal/repositories"
	"example.com/estate/services/searchsync/internal/search"
)

// Search types recorded in analytics
const (
	SearchTypeText = "text"
	SearchTypeMap  = "map"
)

// Paging limits
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	DefaultMapLimit = 500
	MaxMapLimit     = 2000
)

// ErrInvalidQuery marks errors caused by the caller's input
var ErrInvalidQuery = errors.New("invalid query")

// QueryError wraps a validation failure. It matches ErrInvalidQuery and its cause.
type QueryError struct {
	cause error
}

func (e *QueryError) Error() string        { return ErrInvalidQuery.Error() + ": " + e.cause.Error() }
func (e *QueryError) Unwrap() error        { return e.cause }
func (e *QueryError) Is(target error) bool { return target == ErrInvalidQuery }

func invalidQuery(cause error) error {
	return &QueryError{cause: cause}
}

// SearchParams is a text and faceted search request
type SearchParams struct {
	Query        string   `json:"query,omitempty" validate:"max=256"`
	Status       []string `json:"status,omitempty" validate:"max=20,dive,required"`
	RegionIDs    []string `json:"region_ids,omitempty" validate:"max=50,dive,required"`
	DeveloperIDs []string `json:"developer_ids,omitempty" validate:"max=50,dive,required"`
	PriceMin     *float64 `json:"price_min,omitempty" validate:"omitempty,gte=0"`
	PriceMax     *float64 `json:"price_max,omitempty" validate:"omitempty,gte=0"`
	AreaMin      *float64 `json:"area_min,omitempty" validate:"omitempty,gte=0"`
	AreaMax      *float64 `json:"area_max,omitempty" validate:"omitempty,gte=0"`
	FloorsMin    *int     `json:"floors_min,omitempty" validate:"omitempty,gte=0"`
	FloorsMax    *int     `json:"floors_max,omitempty" validate:"omitempty,gte=0"`
	// Bounds optionally restricts results to a box, in the map search format
	Bounds string `json:"bounds,omitempty"`
	// Sort is a sort key, prefixed with "-" for descending order
	Sort     string `json:"sort,omitempty"`
	// Page is 1-based; zero means the first page
	Page     int    `json:"page,omitempty" validate:"omitempty,gte=1"`
	PageSize int    `json:"page_size,omitempty" validate:"gte=0,lte=100"`
}

// SearchResponse is a page of search results
type SearchResponse struct {
	Results   []search.Hit               `json:"results"`
	Total     int64                      `json:"total"`
	Estimated bool                       `json:"estimated,omitempty"`
	Facets    map[string][]search.Bucket `json:"facets,omitempty"`
	Page      int                        `json:"page"`
	PageSize  int                        `json:"page_size"`
}

// MapParams tunes a bounding-box search
type MapParams struct {
	Limit int `json:"limit,omitempty" validate:"gte=0,lte=2000"`
}

// MapResponse is the set of points inside a box
type MapResponse struct {
	Results []repositories.LocatedBuilding `json:"results"`
	Total   int64                          `json:"total"`
}

// QueryService answers text and map searches. Backend failures degrade to empty results,
// still logged as zero-result queries; only invalid input is reported to the caller.
type QueryService struct {
	index     SearchReader
	locations BoundsReader
	analytics *AnalyticsRecorder
	cache     ResultCache
	metrics   *metrics.Metrics
	validate  *validator.Validate
}

// NewQueryService creates a query service. analytics and cache may be nil.
func NewQueryService(index SearchReader, locations BoundsReader, analytics *AnalyticsRecorder, cache ResultCache, collector *metrics.Metrics) *QueryService {
	if collector == nil {
		collector = metrics.NewMetrics()
	}
	return &QueryService{
		index:     index,
		locations: locations,
		analytics: analytics,
		cache:     cache,
		metrics:   collector,
		validate:  validator.New(),
	}
}

// Search runs a text and faceted search
func (s *QueryService) Search(ctx context.Context, params SearchParams) (*SearchResponse, error) {
	start := time.Now()
	s.metrics.IncrementCounter(metrics.CounterSearchQueries)

	q, err := s.buildQuery(params)
	if err != nil {
		return nil, err
	}

	resp := &SearchResponse{
		Results:  []search.Hit{},
		Page:     q.From/q.Size + 1,
		PageSize: q.Size,
	}

	result, err := s.index.Search(ctx, q)
	elapsed := time.Since(start)
	s.metrics.RecordDuration(metrics.TimerSearchQuery, elapsed)
	if err != nil {
		s.metrics.IncrementCounter(metrics.CounterQueriesDegraded)
		log.Warn().Err(err).Str("query", params.Query).Msg("Search backend failed, returning empty results")
		s.record(SearchTypeText, params.Query, params.Bounds, params, 0, elapsed)
		return resp, nil
	}

	resp.Results = result.Hits
	resp.Total = result.Total
	resp.Estimated = result.Estimated
	resp.Facets = result.Facets

	s.record(SearchTypeText, params.Query, params.Bounds, params, int(result.Total), elapsed)
	return resp, nil
}

// MapSearch returns the buildings inside bounds ("swLat,swLng,neLat,neLng")
func (s *QueryService) MapSearch(ctx context.Context, bounds string, params MapParams) (*MapResponse, error) {
	start := time.Now()
	s.metrics.IncrementCounter(metrics.CounterMapQueries)

	if err := s.validate.Struct(params); err != nil {
		return nil, invalidQuery(err)
	}
	box, err := geo.ParseBounds(bounds)
	if err != nil {
		return nil, invalidQuery(err)
	}
	limit := params.Limit
	if limit == 0 {
		limit = DefaultMapLimit
	}

	key := fmt.Sprintf("map:%s:%d", box.String(), limit)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var cached MapResponse
			if err := json.Unmarshal(raw, &cached); err == nil {
				s.record(SearchTypeMap, "", box.String(), params, len(cached.Results), time.Since(start))
				return &cached, nil
			}
		}
	}

	rows, err := s.locations.WithinBounds(ctx, box, limit)
	elapsed := time.Since(start)
	s.metrics.RecordDuration(metrics.TimerMapQuery, elapsed)
	if err != nil {
		s.metrics.IncrementCounter(metrics.CounterQueriesDegraded)
		log.Warn().Err(err).Str("bounds", box.String()).Msg("Map backend failed, returning empty results")
		s.record(SearchTypeMap, "", box.String(), params, 0, elapsed)
		return &MapResponse{Results: []repositories.LocatedBuilding{}}, nil
	}
	if rows == nil {
		rows = []repositories.LocatedBuilding{}
	}

	resp := &MapResponse{Results: rows, Total: int64(len(rows))}
	if s.cache != nil {
		if raw, err := json.Marshal(resp); err == nil {
			s.cache.Set(ctx, key, raw)
		}
	}

	s.record(SearchTypeMap, "", box.String(), params, len(rows), elapsed)
	return resp, nil
}

func (s *QueryService) buildQuery(params SearchParams) (search.Query, error) {
	if err := s.validate.Struct(params); err != nil {
		return search.Query{}, invalidQuery(err)
	}
	if params.PriceMin != nil && params.PriceMax != nil && *params.PriceMin > *params.PriceMax {
		return search.Query{}, invalidQuery(errors.New("price_min exceeds price_max"))
	}
	if params.AreaMin != nil && params.AreaMax != nil && *params.AreaMin > *params.AreaMax {
		return search.Query{}, invalidQuery(errors.New("area_min exceeds area_max"))
	}
	if params.FloorsMin != nil && params.FloorsMax != nil && *params.FloorsMin > *params.FloorsMax {
		return search.Query{}, invalidQuery(errors.New("floors_min exceeds floors_max"))
	}

	size := params.PageSize
	if size == 0 {
		size = DefaultPageSize
	}
	page := params.Page
	if page == 0 {
		page = 1
	}

	q := search.Query{
		Text: strings.TrimSpace(params.Query),
		Filters: search.Filters{
			Status:       params.Status,
			RegionIDs:    params.RegionIDs,
			DeveloperIDs: params.DeveloperIDs,
			PriceMin:     params.PriceMin,
			PriceMax:     params.PriceMax,
			AreaMin:      params.AreaMin,
			AreaMax:      params.AreaMax,
			FloorsMin:    params.FloorsMin,
			FloorsMax:    params.FloorsMax,
		},
		From: (page - 1) * size,
		Size: size,
	}

	if params.Bounds != "" {
		box, err := geo.ParseBounds(params.Bounds)
		if err != nil {
			return search.Query{}, invalidQuery(err)
		}
		q.Filters.Bounds = &box
	}

	if params.Sort != "" {
		field, desc := strings.TrimPrefix(params.Sort, "-"), strings.HasPrefix(params.Sort, "-")
		if _, ok := search.SortFields[field]; !ok {
			return search.Query{}, invalidQuery(errors.Errorf("unknown sort field %q", field))
		}
		q.Sort = []search.Sort{{Field: field, Desc: desc}}
	}

	return q, nil
}

func (s *QueryService) record(searchType, query, bounds string, filters interface{}, count int, elapsed time.Duration) {
	if s.analytics == nil {
		return
	}
	raw, err := json.Marshal(filters)
	if err != nil {
		raw = nil
	}
	s.analytics.Record(&models.SearchAnalytics{
		SearchType:  searchType,
		Query:       query,
		Bounds:      bounds,
		Filters:     raw,
		ResultCount: count,
		ZeroResult:  count == 0,
		ExecutionMs: elapsed.Milliseconds(),
	})
}
