package cmd

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/estate/services/searchsync/config"
	"example.com/estate/services/searchsync/internal/cache"
	"example.com/estate/services/searchsync/internal/database"
	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/repositories"
	"example.com/estate/services/searchsync/internal/search"
	"example.com/estate/services/searchsync/internal/services"
)

var (
	searchParams services.SearchParams
	mapParams    services.MapParams

	priceMin, priceMax   float64
	areaMin, areaMax     float64
	floorsMin, floorsMax int
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a text and faceted building search",
	RunE:  runSearch,
}

var mapCmd = &cobra.Command{
	Use:   "map <swLat,swLng,neLat,neLng>",
	Short: "List buildings inside a bounding box",
	Args:  cobra.ExactArgs(1),
	RunE:  runMap,
}

func init() {
	f := searchCmd.Flags()
	f.StringVarP(&searchParams.Query, "query", "q", "", "full-text query")
	f.StringSliceVar(&searchParams.Status, "status", nil, "status filter")
	f.StringSliceVar(&searchParams.RegionIDs, "region", nil, "region id filter")
	f.StringSliceVar(&searchParams.DeveloperIDs, "developer", nil, "developer id filter")
	f.Float64Var(&priceMin, "price-min", 0, "minimum price per m2")
	f.Float64Var(&priceMax, "price-max", 0, "maximum price per m2")
	f.Float64Var(&areaMin, "area-min", 0, "minimum area")
	f.Float64Var(&areaMax, "area-max", 0, "maximum area")
	f.IntVar(&floorsMin, "floors-min", 0, "minimum number of floors")
	f.IntVar(&floorsMax, "floors-max", 0, "maximum number of floors")
	f.StringVar(&searchParams.Bounds, "bounds", "", "restrict to swLat,swLng,neLat,neLng")
	f.StringVar(&searchParams.Sort, "sort", "", "sort key, prefix with - for descending")
	f.IntVar(&searchParams.Page, "page", 1, "page number, from 1")
	f.IntVar(&searchParams.PageSize, "page-size", services.DefaultPageSize, "page size")

	mapCmd.Flags().IntVar(&mapParams.Limit, "limit", services.DefaultMapLimit, "maximum number of points")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(mapCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	if f.Changed("price-min") {
		searchParams.PriceMin = &priceMin
	}
	if f.Changed("price-max") {
		searchParams.PriceMax = &priceMax
	}
	if f.Changed("area-min") {
		searchParams.AreaMin = &areaMin
	}
	if f.Changed("area-max") {
		searchParams.AreaMax = &areaMax
	}
	if f.Changed("floors-min") {
		searchParams.FloorsMin = &floorsMin
	}
	if f.Changed("floors-max") {
		searchParams.FloorsMax = &floorsMax
	}

	return withQueryService(func(ctx context.Context, qs *services.QueryService) (interface{}, error) {
		return qs.Search(ctx, searchParams)
	})
}

func runMap(cmd *cobra.Command, args []string) error {
	bounds := strings.TrimSpace(args[0])
	return withQueryService(func(ctx context.Context, qs *services.QueryService) (interface{}, error) {
		return qs.MapSearch(ctx, bounds, mapParams)
	})
}

// withQueryService wires a query service for one command run and prints its result as JSON
func withQueryService(run func(ctx context.Context, qs *services.QueryService) (interface{}, error)) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}
	setupLogging(cfg)

	db, err := database.Connect(cfg.DB, nil)
	if err != nil {
		return err
	}
	defer database.Close(db)

	esClient, err := search.NewClient(cfg.Elastic)
	if err != nil {
		return err
	}

	var resultCache services.ResultCache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	} else if redisCache.Enabled() {
		resultCache = redisCache
		defer redisCache.Close()
	}

	collector := metrics.NewMetrics()
	recorder := services.NewAnalyticsRecorder(repositories.NewAnalyticsRepository(db), cfg.Analytics.BufferSize, cfg.Analytics.WriteTimeout, collector)
	defer recorder.Close()

	qs := services.NewQueryService(
		search.NewIndex(esClient, cfg.Elastic),
		repositories.NewReadModelRepository(db),
		recorder,
		resultCache,
		collector,
	)

	result, err := run(context.Background(), qs)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
