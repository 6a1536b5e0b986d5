package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/models"
)

// AnalyticsRecorder writes query log rows in the background. Record never blocks the
// caller: when the buffer is full the row is dropped with a warning.
type AnalyticsRecorder struct {
	store   AnalyticsStore
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan *models.SearchAnalytics
	done   chan struct{}
}

// NewAnalyticsRecorder creates a recorder and starts its writer
func NewAnalyticsRecorder(store AnalyticsStore, bufferSize int, timeout time.Duration, collector *metrics.Metrics) *AnalyticsRecorder {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if collector == nil {
		collector = metrics.NewMetrics()
	}
	r := &AnalyticsRecorder{
		store:   store,
		timeout: timeout,
		metrics: collector,
		queue:   make(chan *models.SearchAnalytics, bufferSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues row
func (r *AnalyticsRecorder) Record(row *models.SearchAnalytics) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- row:
		r.metrics.SetGauge(metrics.GaugeAnalyticsQueue, int64(len(r.queue)))
	default:
		r.metrics.IncrementCounter(metrics.CounterAnalyticsDropped)
		log.Warn().Str("search_type", row.SearchType).Msg("Analytics buffer full, dropping entry")
	}
}

// Close stops accepting rows and waits until the queued ones are written
func (r *AnalyticsRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
}

func (r *AnalyticsRecorder) run() {
	defer close(r.done)
	for row := range r.queue {
		r.write(row)
	}
}

func (r *AnalyticsRecorder) write(row *models.SearchAnalytics) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.Insert(ctx, row); err != nil {
		log.Warn().Err(err).Str("search_type", row.SearchType).Msg("Failed to write search analytics")
	}
}
