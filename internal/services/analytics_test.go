package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/models"
)

func TestAnalyticsRecorder_CloseFlushesQueue(t *testing.T) {
	store := &memAnalytics{}
	recorder := NewAnalyticsRecorder(store, 10, time.Second, nil)

	for i := 0; i < 5; i++ {
		recorder.Record(&models.SearchAnalytics{SearchType: SearchTypeText})
	}
	recorder.Close()
	assert.Len(t, store.all(), 5)

	recorder.Record(&models.SearchAnalytics{SearchType: SearchTypeText})
	recorder.Close()
	assert.Len(t, store.all(), 5)
}

func TestAnalyticsRecorder_DropsWhenFull(t *testing.T) {
	collector := metrics.NewMetrics()
	store := &memAnalytics{delay: make(chan struct{})}
	recorder := NewAnalyticsRecorder(store, 1, time.Second, collector)

	for i := 0; i < 5; i++ {
		recorder.Record(&models.SearchAnalytics{SearchType: SearchTypeMap})
	}

	// at most one row in flight and one buffered
	dropped := collector.GetCounters()[metrics.CounterAnalyticsDropped]
	assert.GreaterOrEqual(t, dropped, int64(3))

	close(store.delay)
	recorder.Close()
	assert.Equal(t, int64(5), int64(len(store.all()))+dropped)
}
