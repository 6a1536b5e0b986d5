package repositories

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/estate/services/searchsync/internal/geo"
	"example.com/estate/services/searchsync/internal/models"
)

// LocatedBuilding is a read-model row with its point decoded
type LocatedBuilding struct {
	EntityID        string         `json:"id"`
	Lng             float64        `json:"lng"`
	Lat             float64        `json:"lat"`
	Metadata        datatypes.JSON `json:"metadata"`
	SourceUpdatedAt *time.Time     `json:"source_updated_at,omitempty"`
}

// ReadModelRepository is the geospatial read table
type ReadModelRepository struct {
	db *gorm.DB
}

// NewReadModelRepository creates a new read model repository
func NewReadModelRepository(db *gorm.DB) *ReadModelRepository {
	return &ReadModelRepository{db: db}
}

// Upsert writes the row, overwriting any existing row for the same entity
func (r *ReadModelRepository) Upsert(ctx context.Context, row *models.BuildingLocation) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"location", "metadata", "source_updated_at", "updated_at"}),
		}).
		Create(row).Error
	return errors.Wrap(err, "failed to upsert building location")
}

// Delete removes the row of one entity. Deleting an absent row is not an error.
func (r *ReadModelRepository) Delete(ctx context.Context, entityID string) error {
	err := r.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Delete(&models.BuildingLocation{}).Error
	return errors.Wrap(err, "failed to delete building location")
}

// WithinBounds returns up to limit rows whose point lies inside b, edges included.
// Boxes crossing the antimeridian are queried as two envelopes.
func (r *ReadModelRepository) WithinBounds(ctx context.Context, b geo.Bounds, limit int) ([]LocatedBuilding, error) {
	var cond *gorm.DB
	for _, env := range b.Envelopes() {
		expr := r.db.Where("ST_Covers(ST_MakeEnvelope(?, ?, ?, ?, 4326), location::geometry)",
			env.SouthWest.Lng, env.SouthWest.Lat, env.NorthEast.Lng, env.NorthEast.Lat)
		if cond == nil {
			cond = expr
		} else {
			cond = cond.Or(expr)
		}
	}

	var rows []LocatedBuilding
	err := r.db.WithContext(ctx).
		Model(&models.BuildingLocation{}).
		Select("entity_id, ST_X(location::geometry) AS lng, ST_Y(location::geometry) AS lat, metadata, source_updated_at").
		Where(cond).
		Order("entity_id").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to query building locations")
	}
	return rows, nil
}
