package database

import (
	"time"

	"gorm.io/gorm"

	"example.com/estate/services/searchsync/internal/metrics"
)

const startTimeKey = "searchsync:start_time"

// RegisterMetricsHooks registers GORM callbacks that feed query counts and timings to collector
func RegisterMetricsHooks(db *gorm.DB, collector *metrics.Metrics) {
	record := func(queryType string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			collector.RecordDatabaseQuery(queryType, tx.Error == nil, getDuration(tx))
		}
	}

	_ = db.Callback().Create().After("gorm:create").Register("metrics:create", record(metrics.DBQueryTypeInsert))
	_ = db.Callback().Query().After("gorm:query").Register("metrics:query", record(metrics.DBQueryTypeSelect))
	_ = db.Callback().Update().After("gorm:update").Register("metrics:update", record(metrics.DBQueryTypeUpdate))
	_ = db.Callback().Delete().After("gorm:delete").Register("metrics:delete", record(metrics.DBQueryTypeDelete))
	_ = db.Callback().Raw().After("gorm:raw").Register("metrics:raw", record(metrics.DBQueryTypeRaw))
}

// RegisterDurationHooks stamps the start time of each operation
func RegisterDurationHooks(db *gorm.DB) {
	_ = db.Callback().Create().Before("gorm:create").Register("duration:create", logStart)
	_ = db.Callback().Query().Before("gorm:query").Register("duration:query", logStart)
	_ = db.Callback().Update().Before("gorm:update").Register("duration:update", logStart)
	_ = db.Callback().Delete().Before("gorm:delete").Register("duration:delete", logStart)
	_ = db.Callback().Raw().Before("gorm:raw").Register("duration:raw", logStart)
}

func logStart(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

func getDuration(db *gorm.DB) time.Duration {
	if start, ok := db.InstanceGet(startTimeKey); ok {
		return time.Since(start.(time.Time))
	}
	return 0
}
