package repositories

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/estate/services/searchsync/internal/models"
)

// VersionRepository is the per-entity version ledger used to drop stale upserts
type VersionRepository struct {
	db *gorm.DB
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(db *gorm.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// Get returns the ledger entry of one entity, or ErrNotFound
func (r *VersionRepository) Get(ctx context.Context, entityType, entityID string) (*models.EntityVersion, error) {
	var row models.EntityVersion
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&row).Error
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get entity version")
	}
	return &row, nil
}

// Advance records an applied upsert at version at
func (r *VersionRepository) Advance(ctx context.Context, entityType, entityID string, at time.Time) error {
	return r.put(ctx, entityType, entityID, at, false)
}

// Tombstone records an applied delete at time at
func (r *VersionRepository) Tombstone(ctx context.Context, entityType, entityID string, at time.Time) error {
	return r.put(ctx, entityType, entityID, at, true)
}

// put never moves the version backwards
func (r *VersionRepository) put(ctx context.Context, entityType, entityID string, at time.Time, deleted bool) error {
	row := models.EntityVersion{
		EntityType: entityType,
		EntityID:   entityID,
		VersionAt:  at,
		Deleted:    deleted,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"version_at": gorm.Expr("GREATEST(?, excluded.version_at)", clause.Column{Table: "entity_version", Name: "version_at"}),
				"deleted":    deleted,
				"updated_at": time.Now().UTC(),
			}),
		}).
		Create(&row).Error
	return errors.Wrap(err, "failed to write entity version")
}
