package repositories

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/estate/services/searchsync/internal/models"
)

var syncStatusKey = []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}}

// SyncStatusRepository keeps the last sync outcome per entity
type SyncStatusRepository struct {
	db *gorm.DB
}

// NewSyncStatusRepository creates a new sync status repository
func NewSyncStatusRepository(db *gorm.DB) *SyncStatusRepository {
	return &SyncStatusRepository{db: db}
}

// Get returns the status row of one entity, or ErrNotFound
func (r *SyncStatusRepository) Get(ctx context.Context, entityType, entityID string) (*models.IndexSyncStatus, error) {
	var row models.IndexSyncStatus
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&row).Error
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sync status")
	}
	return &row, nil
}

// MarkPending flags an entity as having an event in flight
func (r *SyncStatusRepository) MarkPending(ctx context.Context, entityType, entityID string, at time.Time) error {
	row := models.IndexSyncStatus{
		EntityType:   entityType,
		EntityID:     entityID,
		LastSyncedAt: at,
		Status:       models.SyncPending,
	}
	return r.upsert(ctx, &row, clause.Assignments(map[string]interface{}{
		"status":     models.SyncPending,
		"updated_at": at,
	}))
}

// RecordSuccess stores a successful sync. note, when set, is kept as error_message.
func (r *SyncStatusRepository) RecordSuccess(ctx context.Context, entityType, entityID string, note *string, at time.Time) error {
	row := models.IndexSyncStatus{
		EntityType:   entityType,
		EntityID:     entityID,
		LastSyncedAt: at,
		Status:       models.SyncSuccess,
		ErrorMessage: note,
	}
	return r.upsert(ctx, &row, clause.Assignments(map[string]interface{}{
		"status":         models.SyncSuccess,
		"last_synced_at": at,
		"error_message":  note,
		"retry_count":    0,
		"updated_at":     at,
	}))
}

// RecordError stores a failed sync and increments the retry counter
func (r *SyncStatusRepository) RecordError(ctx context.Context, entityType, entityID string, message string, at time.Time) error {
	row := models.IndexSyncStatus{
		EntityType:   entityType,
		EntityID:     entityID,
		LastSyncedAt: at,
		Status:       models.SyncError,
		ErrorMessage: &message,
		RetryCount:   1,
	}
	return r.upsert(ctx, &row, clause.Assignments(map[string]interface{}{
		"status":         models.SyncError,
		"last_synced_at": at,
		"error_message":  message,
		"retry_count":    gorm.Expr("? + 1", clause.Column{Table: "index_sync_status", Name: "retry_count"}),
		"updated_at":     at,
	}))
}

// RecordProblem stores a sync that succeeded with a defect, such as a rejected location.
// The entity shows as in error; the retry counter is left alone.
func (r *SyncStatusRepository) RecordProblem(ctx context.Context, entityType, entityID string, message string, at time.Time) error {
	row := models.IndexSyncStatus{
		EntityType:   entityType,
		EntityID:     entityID,
		LastSyncedAt: at,
		Status:       models.SyncError,
		ErrorMessage: &message,
	}
	return r.upsert(ctx, &row, clause.Assignments(map[string]interface{}{
		"status":         models.SyncError,
		"last_synced_at": at,
		"error_message":  message,
		"updated_at":     at,
	}))
}

// CountErrors returns how many entities are currently in error
func (r *SyncStatusRepository) CountErrors(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.IndexSyncStatus{}).
		Where("status = ?", models.SyncError).
		Count(&count).Error
	return count, errors.Wrap(err, "failed to count sync errors")
}

func (r *SyncStatusRepository) upsert(ctx context.Context, row *models.IndexSyncStatus, set clause.Set) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: syncStatusKey, DoUpdates: set}).
		Create(row).Error
	return errors.Wrap(err, "failed to upsert sync status")
}
