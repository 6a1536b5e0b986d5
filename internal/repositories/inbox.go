package repositories

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/estate/services/searchsync/internal/models"
)

// InboxRepository is the idempotency ledger, one row per event id
type InboxRepository struct {
	db *gorm.DB
}

// NewInboxRepository creates a new inbox repository
func NewInboxRepository(db *gorm.DB) *InboxRepository {
	return &InboxRepository{db: db}
}

// Get returns the inbox row for eventID, or ErrNotFound
func (r *InboxRepository) Get(ctx context.Context, eventID string) (*models.Inbox, error) {
	var row models.Inbox
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&row).Error
	if notFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get inbox record")
	}
	return &row, nil
}

// Insert creates the row as given. It returns ErrDuplicateKey when the event id is already
// recorded, which means another consumer instance claimed the event first.
func (r *InboxRepository) Insert(ctx context.Context, row *models.Inbox) error {
	if row.Status == "" {
		row.Status = models.InboxPending
	}
	err := r.db.WithContext(ctx).Create(row).Error
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return errors.Wrap(err, "failed to insert inbox record")
}

// MarkProcessed moves the row to processed and clears any previous error
func (r *InboxRepository) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return r.update(ctx, eventID, map[string]interface{}{
		"status":        models.InboxProcessed,
		"processed_at":  at,
		"error_message": nil,
	})
}

// MarkFailed moves the row to failed, keeping it eligible for redelivery
func (r *InboxRepository) MarkFailed(ctx context.Context, eventID string, message string) error {
	return r.update(ctx, eventID, map[string]interface{}{
		"status":        models.InboxFailed,
		"error_message": message,
	})
}

func (r *InboxRepository) update(ctx context.Context, eventID string, values map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.Inbox{}).Where("event_id = ?", eventID).Updates(values)
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update inbox record")
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of inbox rows per status
func (r *InboxRepository) CountByStatus(ctx context.Context) (map[models.InboxStatus]int64, error) {
	var rows []struct {
		Status models.InboxStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.Inbox{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to count inbox records")
	}

	counts := make(map[models.InboxStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// PruneProcessed deletes processed rows created before cutoff
func (r *InboxRepository) PruneProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.InboxProcessed, cutoff).
		Delete(&models.Inbox{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to prune inbox")
	}
	return res.RowsAffected, nil
}
