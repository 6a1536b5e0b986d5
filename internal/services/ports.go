package services

import (
	"context"
	"time"

	"example.com/estate/services/searchsync/internal/geo"
	"example.com/estate/services/searchsync/internal/models"
	"example.com/estate/services/searchsync/internal/repositories"
	"example.com/estate/services/searchsync/internal/search"
)

// InboxStore is the idempotency ledger
type InboxStore interface {
	Get(ctx context.Context, eventID string) (*models.Inbox, error)
	Insert(ctx context.Context, row *models.Inbox) error
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID string, message string) error
}

// SyncStatusStore keeps the last sync outcome per entity
type SyncStatusStore interface {
	MarkPending(ctx context.Context, entityType, entityID string, at time.Time) error
	RecordSuccess(ctx context.Context, entityType, entityID string, note *string, at time.Time) error
	RecordError(ctx context.Context, entityType, entityID string, message string, at time.Time) error
	RecordProblem(ctx context.Context, entityType, entityID string, message string, at time.Time) error
}

// SearchIndex is the write side of the search index
type SearchIndex interface {
	Upsert(ctx context.Context, doc search.Document) error
	Delete(ctx context.Context, id string) error
}

// SearchReader is the query side of the search index
type SearchReader interface {
	Search(ctx context.Context, q search.Query) (*search.Result, error)
}

// ReadModel is the write side of the geospatial read model
type ReadModel interface {
	Upsert(ctx context.Context, row *models.BuildingLocation) error
	Delete(ctx context.Context, entityID string) error
}

// BoundsReader is the query side of the geospatial read model
type BoundsReader interface {
	WithinBounds(ctx context.Context, b geo.Bounds, limit int) ([]repositories.LocatedBuilding, error)
}

// VersionLedger orders writes of one entity
type VersionLedger interface {
	Get(ctx context.Context, entityType, entityID string) (*models.EntityVersion, error)
	Advance(ctx context.Context, entityType, entityID string, at time.Time) error
	Tombstone(ctx context.Context, entityType, entityID string, at time.Time) error
}

// AnalyticsStore persists query log rows
type AnalyticsStore interface {
	Insert(ctx context.Context, row *models.SearchAnalytics) error
}

// ResultCache caches serialized query results
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
}
