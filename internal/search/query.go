package search

import (
	"example.com/estate/services/searchsync/internal/geo"
)

// Facet fields returned with every search
const (
	FacetStatus    = "status"
	FacetRegion    = "region_id"
	FacetDeveloper = "developer_id"
)

var facetFields = []string{FacetStatus, FacetRegion, FacetDeveloper}

// SortFields maps public sort keys to indexed fields
var SortFields = map[string]string{
	"price":      "price_min",
	"price_max":  "price_max",
	"area":       "area_min",
	"area_max":   "area_max",
	"floors":     "floors",
	"updated_at": "updated_at",
	"title":      "title_text.raw",
}

var textFields = []string{
	"title_text^3",
	"address_text^2",
	"developer_name_text^2",
	"region_name_text",
	"description_text",
}

// Filters narrows a search. Empty fields do not filter.
type Filters struct {
	Status       []string    `json:"status,omitempty"`
	RegionIDs    []string    `json:"region_ids,omitempty"`
	DeveloperIDs []string    `json:"developer_ids,omitempty"`
	PriceMin     *float64    `json:"price_min,omitempty"`
	PriceMax     *float64    `json:"price_max,omitempty"`
	AreaMin      *float64    `json:"area_min,omitempty"`
	AreaMax      *float64    `json:"area_max,omitempty"`
	FloorsMin    *int        `json:"floors_min,omitempty"`
	FloorsMax    *int        `json:"floors_max,omitempty"`
	Bounds       *geo.Bounds `json:"-"`
}

// Sort orders results by one public sort key
type Sort struct {
	Field string
	Desc  bool
}

// Query is one search request against the index
type Query struct {
	Text    string
	Filters Filters
	Sort    []Sort
	From    int
	Size    int
}

// Hit is one matching document
type Hit struct {
	ID       string   `json:"id"`
	Score    float64  `json:"score"`
	Document Document `json:"document"`
}

// Bucket is one facet value and its document count
type Bucket struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Result is a page of hits with the estimated total and facet counts
type Result struct {
	Hits      []Hit               `json:"hits"`
	Total     int64               `json:"total"`
	Estimated bool                `json:"estimated"`
	Facets    map[string][]Bucket `json:"facets"`
}

// clauses renders the filters as bool filter clauses. Price and area filters match
// buildings whose advertised range overlaps the requested one.
func (f Filters) clauses() []map[string]interface{} {
	var out []map[string]interface{}

	terms := func(field string, values []string) {
		if len(values) > 0 {
			out = append(out, map[string]interface{}{"terms": map[string]interface{}{field: values}})
		}
	}
	terms("status", f.Status)
	terms("region_id", f.RegionIDs)
	terms("developer_id", f.DeveloperIDs)

	overlap := func(minField, maxField string, lo, hi *float64) {
		if lo != nil {
			out = append(out, rangeClause(maxField, "gte", *lo))
		}
		if hi != nil {
			out = append(out, rangeClause(minField, "lte", *hi))
		}
	}
	overlap("price_min", "price_max", f.PriceMin, f.PriceMax)
	overlap("area_min", "area_max", f.AreaMin, f.AreaMax)

	if f.FloorsMin != nil {
		out = append(out, rangeClause("floors", "gte", *f.FloorsMin))
	}
	if f.FloorsMax != nil {
		out = append(out, rangeClause("floors", "lte", *f.FloorsMax))
	}

	if b := f.Bounds; b != nil {
		out = append(out, map[string]interface{}{
			"geo_bounding_box": map[string]interface{}{
				"location": map[string]interface{}{
					"top_left":     map[string]float64{"lat": b.NorthEast.Lat, "lon": b.SouthWest.Lng},
					"bottom_right": map[string]float64{"lat": b.SouthWest.Lat, "lon": b.NorthEast.Lng},
				},
			},
		})
	}

	return out
}

func rangeClause(field, op string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"range": map[string]interface{}{field: map[string]interface{}{op: value}}}
}

// body renders the full search request body
func (q Query) body() map[string]interface{} {
	var must interface{} = map[string]interface{}{"match_all": map[string]interface{}{}}
	if q.Text != "" {
		must = map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":     q.Text,
				"fields":    textFields,
				"type":      "best_fields",
				"fuzziness": "AUTO",
			},
		}
	}

	boolQuery := map[string]interface{}{"must": must}
	if filters := q.Filters.clauses(); len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	aggs := make(map[string]interface{}, len(facetFields))
	for _, field := range facetFields {
		aggs[field] = map[string]interface{}{"terms": map[string]interface{}{"field": field, "size": 50}}
	}

	body := map[string]interface{}{
		"query":            map[string]interface{}{"bool": boolQuery},
		"from":             q.From,
		"size":             q.Size,
		"track_total_hits": 10000,
		"aggs":             aggs,
	}

	var sorts []interface{}
	for _, s := range q.Sort {
		field, ok := SortFields[s.Field]
		if !ok {
			continue
		}
		order := "asc"
		if s.Desc {
			order = "desc"
		}
		sorts = append(sorts, map[string]interface{}{field: map[string]interface{}{"order": order, "missing": "_last"}})
	}
	switch {
	case len(sorts) > 0:
		sorts = append(sorts, map[string]interface{}{"id": "asc"})
		body["sort"] = sorts
	case q.Text == "":
		body["sort"] = []interface{}{
			map[string]interface{}{"updated_at": map[string]interface{}{"order": "desc", "missing": "_last"}},
			map[string]interface{}{"id": "asc"},
		}
	}

	return body
}
