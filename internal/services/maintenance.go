package services

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/models"
)

// InboxMaintainer is the housekeeping side of the inbox
type InboxMaintainer interface {
	CountByStatus(ctx context.Context) (map[models.InboxStatus]int64, error)
	PruneProcessed(ctx context.Context, cutoff time.Time) (int64, error)
}

// SyncErrorCounter counts entities whose last sync failed
type SyncErrorCounter interface {
	CountErrors(ctx context.Context) (int64, error)
}

// Maintenance reports inbox and sync health and prunes old processed inbox rows
type Maintenance struct {
	inbox     InboxMaintainer
	status    SyncErrorCounter
	retention time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewMaintenance creates the maintenance job
func NewMaintenance(inbox InboxMaintainer, status SyncErrorCounter, retention time.Duration, collector *metrics.Metrics) *Maintenance {
	if collector == nil {
		collector = metrics.NewMetrics()
	}
	return &Maintenance{
		inbox:     inbox,
		status:    status,
		retention: retention,
		metrics:   collector,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one maintenance pass
func (m *Maintenance) RunOnce(ctx context.Context) error {
	counts, err := m.inbox.CountByStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to count inbox")
	}
	m.metrics.SetGauge(metrics.GaugeInboxPending, counts[models.InboxPending])
	m.metrics.SetGauge(metrics.GaugeInboxFailed, counts[models.InboxFailed])

	syncErrors, err := m.status.CountErrors(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to count sync errors")
	}
	m.metrics.SetGauge(metrics.GaugeSyncErrors, syncErrors)

	if counts[models.InboxFailed] > 0 || syncErrors > 0 {
		log.Warn().
			Int64("inbox_failed", counts[models.InboxFailed]).
			Int64("inbox_pending", counts[models.InboxPending]).
			Int64("sync_errors", syncErrors).
			Msg("Search sync has unresolved failures")
	}

	if m.retention > 0 {
		pruned, err := m.inbox.PruneProcessed(ctx, m.now().Add(-m.retention))
		if err != nil {
			return errors.Wrap(err, "failed to prune inbox")
		}
		if pruned > 0 {
			log.Info().Int64("pruned", pruned).Msg("Pruned processed inbox records")
		}
	}

	return nil
}

// Start schedules RunOnce every interval and blocks until ctx is cancelled
func (m *Maintenance) Start(ctx context.Context, interval time.Duration) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return errors.Wrap(err, "failed to create scheduler")
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if err := m.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Maintenance job failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Wrap(err, "failed to schedule maintenance job")
	}

	log.Info().Dur("interval", interval).Msg("Starting maintenance job")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}
