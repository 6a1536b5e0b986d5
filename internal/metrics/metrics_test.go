package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncrementCounter(CounterEventsReceived)
			}
		}()
	}
	wg.Wait()
	m.IncrementCounterBy(CounterEventsReceived, 5)

	assert.Equal(t, int64(1005), m.GetCounters()[CounterEventsReceived])
}

func TestTimers(t *testing.T) {
	m := NewMetrics()
	m.RecordDuration(TimerIndexWrite, 10*time.Millisecond)
	m.RecordDuration(TimerIndexWrite, 30*time.Millisecond)

	timer := m.GetTimers()[TimerIndexWrite]
	assert.Equal(t, int64(2), timer.Count)
	assert.Equal(t, int64(10), timer.MinTimeMs)
	assert.Equal(t, int64(30), timer.MaxTimeMs)
	assert.Equal(t, 20.0, timer.AverageTimeMs)
}

func TestDatabaseQueries(t *testing.T) {
	m := NewMetrics()
	m.RecordDatabaseQuery(DBQueryTypeInsert, true, time.Millisecond)
	m.RecordDatabaseQuery(DBQueryTypeInsert, false, time.Millisecond)

	counters := m.GetCounters()
	assert.Equal(t, int64(2), counters[CounterDBQueries])
	assert.Equal(t, int64(1), counters[CounterDBQueriesError])

	rate := m.GetErrorRates()["db_"+DBQueryTypeInsert]
	assert.Equal(t, int64(2), rate.Total)
	assert.Equal(t, 50.0, rate.ErrorRate)
}

func TestGaugesAndHealth(t *testing.T) {
	m := NewMetrics()
	m.SetGauge(GaugeInboxFailed, 3)
	m.SetGauge(GaugeInboxFailed, 1)
	m.SetHealth(HealthBroker, true)
	m.SetHealth(HealthDatabase, false)

	assert.Equal(t, int64(1), m.GetGauges()[GaugeInboxFailed])
	assert.Equal(t, map[string]bool{HealthBroker: true, HealthDatabase: false}, m.GetHealthChecks())

	all := m.GetAllMetrics()
	assert.Contains(t, all, "uptime_seconds")
	assert.Contains(t, all, "error_rates")
}
