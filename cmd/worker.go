package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/estate/services/searchsync/config"
	"example.com/estate/services/searchsync/internal/api"
	"example.com/estate/services/searchsync/internal/api/handlers"
	"example.com/estate/services/searchsync/internal/database"
	"example.com/estate/services/searchsync/internal/messaging"
	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/repositories"
	"example.com/estate/services/searchsync/internal/search"
	"example.com/estate/services/searchsync/internal/services"
	"example.com/estate/services/searchsync/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the synchronization worker",
	Long:  `Consume building events and keep the search index and the geospatial read model in sync. Also serves the admin HTTP endpoints and runs inbox maintenance.`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	collector := metrics.NewMetrics()

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.Noop()
	}
	defer tracer.Close()

	db, err := database.Connect(cfg.DB, collector)
	if err != nil {
		return err
	}
	defer database.Close(db)

	esClient, err := search.NewClient(cfg.Elastic)
	if err != nil {
		return err
	}
	index := search.NewIndex(esClient, cfg.Elastic)

	// An unreachable index is not fatal: every index operation re-initializes it on demand.
	initCtx, cancel := context.WithTimeout(ctx, cfg.Sync.DownstreamTimeout)
	if err := index.EnsureIndex(initCtx); err != nil {
		log.Warn().Err(err).Str("index", index.Name()).Msg("Search index not ready, will retry on first use")
		collector.SetHealth(metrics.HealthSearchIndex, false)
	} else {
		collector.SetHealth(metrics.HealthSearchIndex, true)
	}
	cancel()

	inbox := repositories.NewInboxRepository(db)
	syncStatus := repositories.NewSyncStatusRepository(db)
	readModel := repositories.NewReadModelRepository(db)
	versions := repositories.NewVersionRepository(db)

	projector := services.NewProjector(index, readModel, versions, cfg.Sync.DownstreamTimeout, collector)
	consumer := services.NewConsumer(inbox, syncStatus, projector, cfg.Sync.DownstreamTimeout, collector, tracer)
	maintenance := services.NewMaintenance(inbox, syncStatus, cfg.Sync.InboxRetention, collector)

	sub, err := newSubscriber(ctx, cfg.Broker)
	if err != nil {
		collector.SetHealth(metrics.HealthBroker, false)
		return err
	}
	collector.SetHealth(metrics.HealthBroker, true)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close subscriber")
		}
	}()

	server := api.NewServer(cfg, collector, tracer, map[string]handlers.HealthCheck{
		metrics.HealthDatabase: func(ctx context.Context) error {
			return database.Ping(ctx, db)
		},
		metrics.HealthSearchIndex: index.Ping,
	}, syncStatus)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Run(gctx, sub)
	})

	g.Go(func() error {
		return maintenance.Start(gctx, cfg.Sync.MaintenanceInterval)
	})

	g.Go(server.Start)

	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

func newSubscriber(ctx context.Context, cfg config.BrokerConfig) (messaging.Subscriber, error) {
	switch cfg.Kind {
	case config.BrokerJetStream:
		return messaging.NewJetStreamSubscriber(ctx, cfg)
	case config.BrokerServiceBus:
		return messaging.NewServiceBusSubscriber(cfg)
	default:
		return nil, errors.Errorf("unsupported broker kind %q", cfg.Kind)
	}
}
