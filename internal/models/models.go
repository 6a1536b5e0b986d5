package models

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Table names are derived by the naming strategy (singular, schema-prefixed), so the
// struct names below are the table names: <schema>.inbox, <schema>.index_sync_status, ...

// InboxStatus is the processing state of one inbound event
type InboxStatus string

const (
	InboxPending   InboxStatus = "pending"
	InboxProcessed InboxStatus = "processed"
	InboxFailed    InboxStatus = "failed"
)

// SyncState is the outcome of the last sync attempt for an entity
type SyncState string

const (
	SyncSuccess SyncState = "success"
	SyncError   SyncState = "error"
	SyncPending SyncState = "pending"
)

// Inbox is the idempotency ledger row, one per event id
type Inbox struct {
	EventID      string         `gorm:"primaryKey;type:varchar(255)" json:"event_id"`
	EventType    string         `gorm:"type:varchar(128);not null" json:"event_type"`
	AggregateID  string         `gorm:"type:varchar(255);not null;index" json:"aggregate_id"`
	Payload      datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	Status       InboxStatus    `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	ProcessedAt  *time.Time     `json:"processed_at"`
	ErrorMessage *string        `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// IndexSyncStatus is the last sync outcome per entity
type IndexSyncStatus struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	EntityType   string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_index_sync_status_entity" json:"entity_type"`
	EntityID     string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_index_sync_status_entity" json:"entity_id"`
	LastSyncedAt time.Time `gorm:"not null" json:"last_synced_at"`
	Status       SyncState `gorm:"type:varchar(16);not null;index" json:"status"`
	ErrorMessage *string   `gorm:"type:text" json:"error_message"`
	RetryCount   int       `gorm:"not null;default:0" json:"retry_count"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GeoPoint is written as a PostGIS geography point. It is never read back through gorm;
// queries project ST_X/ST_Y instead.
type GeoPoint struct {
	Lng float64
	Lat float64
}

// GormDataType sets the migrated column type
func (GeoPoint) GormDataType() string {
	return "geography(Point,4326)"
}

// GormValue renders the point through ST_GeogFromText
func (p GeoPoint) GormValue(ctx context.Context, db *gorm.DB) clause.Expr {
	wkt := "SRID=4326;POINT(" + strconv.FormatFloat(p.Lng, 'f', -1, 64) + " " +
		strconv.FormatFloat(p.Lat, 'f', -1, 64) + ")"
	return clause.Expr{SQL: "ST_GeogFromText(?)", Vars: []interface{}{wkt}}
}

// BuildingLocation is the geospatial read model row
type BuildingLocation struct {
	EntityID        string         `gorm:"primaryKey;type:varchar(255)" json:"entity_id"`
	Location        GeoPoint       `gorm:"type:geography(Point,4326);not null;->:false" json:"-"`
	Metadata        datatypes.JSON `gorm:"type:jsonb" json:"metadata"`
	SourceUpdatedAt *time.Time     `json:"source_updated_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// EntityVersion orders upserts and deletes of one entity across redeliveries
type EntityVersion struct {
	EntityType string    `gorm:"primaryKey;type:varchar(64)" json:"entity_type"`
	EntityID   string    `gorm:"primaryKey;type:varchar(255)" json:"entity_id"`
	VersionAt  time.Time `gorm:"not null" json:"version_at"`
	Deleted    bool      `gorm:"not null;default:false" json:"deleted"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SearchAnalytics is the append-only query log
type SearchAnalytics struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SearchType  string         `gorm:"type:varchar(16);not null;index" json:"search_type"`
	Query       string         `gorm:"type:text" json:"query"`
	Bounds      string         `gorm:"type:varchar(128)" json:"bounds"`
	Filters     datatypes.JSON `gorm:"type:jsonb" json:"filters"`
	ResultCount int            `gorm:"not null" json:"result_count"`
	ZeroResult  bool           `gorm:"not null;index" json:"zero_result"`
	ExecutionMs int64          `gorm:"not null" json:"execution_ms"`
	CreatedAt   time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

// All lists every model owned by this service, in migration order
func All() []interface{} {
	return []interface{}{
		&Inbox{},
		&IndexSyncStatus{},
		&BuildingLocation{},
		&EntityVersion{},
		&SearchAnalytics{},
	}
}
