package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/estate/services/searchsync/internal/models"
)

// AnalyticsRepository appends query log rows
type AnalyticsRepository struct {
	db *gorm.DB
}

// NewAnalyticsRepository creates a new analytics repository
func NewAnalyticsRepository(db *gorm.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// Insert appends one row
func (r *AnalyticsRepository) Insert(ctx context.Context, row *models.SearchAnalytics) error {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	return errors.Wrap(r.db.WithContext(ctx).Create(row).Error, "failed to insert search analytics")
}
