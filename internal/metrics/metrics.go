package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names
const (
	CounterEventsReceived   = "events_received_total"
	CounterEventsProcessed  = "events_processed_total"
	CounterEventsDuplicate  = "events_duplicate_total"
	CounterEventsStale      = "events_stale_total"
	CounterEventsFailed     = "events_failed_total"
	CounterEventsMalformed  = "events_malformed_total"
	CounterEventsContended  = "events_contended_total"
	CounterLocationRejected = "locations_rejected_total"
	CounterSearchQueries    = "search_queries_total"
	CounterMapQueries       = "map_queries_total"
	CounterQueriesDegraded  = "queries_degraded_total"
	CounterAnalyticsDropped = "analytics_dropped_total"
	CounterDBQueries        = "db_queries_total"
	CounterDBQueriesError   = "db_queries_error_total"
	CounterHTTPRequests     = "http_requests_total"
)

// Gauge names
const (
	GaugeInboxPending   = "inbox_pending"
	GaugeInboxFailed    = "inbox_failed"
	GaugeSyncErrors     = "sync_status_errors"
	GaugeAnalyticsQueue = "analytics_queue_depth"
)

// Timer names
const (
	TimerEventProcessing = "event_processing"
	TimerIndexWrite      = "index_write"
	TimerReadModelWrite  = "read_model_write"
	TimerSearchQuery     = "search_query"
	TimerMapQuery        = "map_query"
)

// Database query types
const (
	DBQueryTypeSelect = "select"
	DBQueryTypeInsert = "insert"
	DBQueryTypeUpdate = "update"
	DBQueryTypeDelete = "delete"
	DBQueryTypeRaw    = "raw"
)

// Health components
const (
	HealthDatabase    = "database"
	HealthSearchIndex = "search_index"
	HealthBroker      = "broker"
)

// TimerMetric captures timing information
type TimerMetric struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateMetric captures error rates
type ErrorRateMetric struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

type timer struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

type errorRate struct {
	total  int64
	errors int64
}

// Metrics is the in-process metrics collector exposed on /metrics
type Metrics struct {
	mu           sync.RWMutex
	counters     map[string]*int64
	gauges       map[string]*int64
	timers       map[string]*timer
	errorRates   map[string]*errorRate
	healthChecks map[string]*int64
	startTime    time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:     make(map[string]*int64),
		gauges:       make(map[string]*int64),
		timers:       make(map[string]*timer),
		errorRates:   make(map[string]*errorRate),
		healthChecks: make(map[string]*int64),
		startTime:    time.Now(),
	}
}

// int64Slot returns the slot for name in m, creating it under the write lock if needed
func (m *Metrics) int64Slot(slots map[string]*int64, name string) *int64 {
	m.mu.RLock()
	slot, exists := slots[name]
	m.mu.RUnlock()
	if exists {
		return slot
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if slot, exists = slots[name]; !exists {
		slot = new(int64)
		slots[name] = slot
	}
	return slot
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(m.int64Slot(m.counters, name), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.int64Slot(m.gauges, name), value)
}

// RecordDuration records a timing measurement
func (m *Metrics) RecordDuration(name string, d time.Duration) {
	durationMs := d.Milliseconds()

	m.mu.RLock()
	t, exists := m.timers[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if t, exists = m.timers[name]; !exists {
			t = &timer{minTimeMs: math.MaxInt64}
			m.timers[name] = t
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, durationMs)

	for {
		currentMin := atomic.LoadInt64(&t.minTimeMs)
		if durationMs >= currentMin || atomic.CompareAndSwapInt64(&t.minTimeMs, currentMin, durationMs) {
			break
		}
	}
	for {
		currentMax := atomic.LoadInt64(&t.maxTimeMs)
		if durationMs <= currentMax || atomic.CompareAndSwapInt64(&t.maxTimeMs, currentMax, durationMs) {
			break
		}
	}
}

// RecordOutcome records a success or error for error rate tracking
func (m *Metrics) RecordOutcome(name string, failed bool) {
	m.mu.RLock()
	er, exists := m.errorRates[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if er, exists = m.errorRates[name]; !exists {
			er = &errorRate{}
			m.errorRates[name] = er
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&er.total, 1)
	if failed {
		atomic.AddInt64(&er.errors, 1)
	}
}

// RecordDatabaseQuery is fed by the gorm callbacks
func (m *Metrics) RecordDatabaseQuery(queryType string, success bool, d time.Duration) {
	m.IncrementCounter(CounterDBQueries)
	if !success {
		m.IncrementCounter(CounterDBQueriesError)
	}
	m.RecordDuration("db_"+queryType, d)
	m.RecordOutcome("db_"+queryType, !success)
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, isHealthy bool) {
	var value int64
	if isHealthy {
		value = 1
	}
	atomic.StoreInt64(m.int64Slot(m.healthChecks, component), value)
}

// GetCounters returns all counters
func (m *Metrics) GetCounters() map[string]int64 {
	return m.snapshot(m.counters)
}

// GetGauges returns all gauges
func (m *Metrics) GetGauges() map[string]int64 {
	return m.snapshot(m.gauges)
}

func (m *Metrics) snapshot(slots map[string]*int64) map[string]int64 {
	out := make(map[string]int64)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, slot := range slots {
		out[name] = atomic.LoadInt64(slot)
	}
	return out
}

// GetTimers returns all timers
func (m *Metrics) GetTimers() map[string]TimerMetric {
	timers := make(map[string]TimerMetric)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		totalTime := atomic.LoadInt64(&t.totalTimeMs)

		var average float64
		if count > 0 {
			average = float64(totalTime) / float64(count)
		}

		timers[name] = TimerMetric{
			Count:         count,
			TotalTimeMs:   totalTime,
			AverageTimeMs: average,
			MinTimeMs:     atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:     atomic.LoadInt64(&t.maxTimeMs),
		}
	}

	return timers
}

// GetErrorRates returns all error rates
func (m *Metrics) GetErrorRates() map[string]ErrorRateMetric {
	rates := make(map[string]ErrorRateMetric)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, er := range m.errorRates {
		total := atomic.LoadInt64(&er.total)
		errs := atomic.LoadInt64(&er.errors)

		var rate float64
		if total > 0 {
			rate = float64(errs) / float64(total) * 100.0
		}

		rates[name] = ErrorRateMetric{Total: total, Errors: errs, ErrorRate: rate}
	}

	return rates
}

// GetHealthChecks returns all health checks
func (m *Metrics) GetHealthChecks() map[string]bool {
	checks := make(map[string]bool)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, health := range m.healthChecks {
		checks[name] = atomic.LoadInt64(health) > 0
	}

	return checks
}

// GetUptimeSeconds returns the service uptime in seconds
func (m *Metrics) GetUptimeSeconds() int64 {
	return int64(time.Since(m.startTime).Seconds())
}

// GetAllMetrics returns all metrics in a structured format
func (m *Metrics) GetAllMetrics() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": m.GetUptimeSeconds(),
		"counters":       m.GetCounters(),
		"gauges":         m.GetGauges(),
		"timers":         m.GetTimers(),
		"error_rates":    m.GetErrorRates(),
		"health_checks":  m.GetHealthChecks(),
	}
}
