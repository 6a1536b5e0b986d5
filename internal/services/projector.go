package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/internal/events"
	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/models"
	"example.com/estate/services/searchsync/internal/repositories"
	"example.com/estate/services/searchsync/internal/search"
)

// StaleEventNote is stored in the sync status of an entity whose event was skipped as stale
const StaleEventNote = "stale event skipped"

// Outcome describes a successfully applied event
type Outcome struct {
	// Skipped is set when the event was older than what both stores already hold
	Skipped bool
	// Note is stored with a successful sync status
	Note *string
	// Problem is a defect that did not fail the event; it puts the entity's sync status in error
	Problem string
}

// LocationMetadata is the display data stored alongside each point
type LocationMetadata struct {
	Title         map[string]string `json:"title,omitempty"`
	Address       map[string]string `json:"address,omitempty"`
	PricePerM2Min *float64          `json:"price_per_m2_min,omitempty"`
	PricePerM2Max *float64          `json:"price_per_m2_max,omitempty"`
	Thumbnail     string            `json:"thumbnail,omitempty"`
	Status        string            `json:"status,omitempty"`
}

// Projector applies one decoded event to the search index and the read model. The two
// writes are sequential and idempotent; a failure in either fails the whole event.
type Projector struct {
	index     SearchIndex
	readModel ReadModel
	versions  VersionLedger
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// NewProjector creates a projector. Every downstream call runs under timeout.
func NewProjector(index SearchIndex, readModel ReadModel, versions VersionLedger, timeout time.Duration, collector *metrics.Metrics) *Projector {
	if collector == nil {
		collector = metrics.NewMetrics()
	}
	return &Projector{
		index:     index,
		readModel: readModel,
		versions:  versions,
		timeout:   timeout,
		metrics:   collector,
	}
}

// Apply projects ev into both stores
func (p *Projector) Apply(ctx context.Context, ev events.Event) (Outcome, error) {
	switch e := ev.(type) {
	case events.UpsertEvent:
		return p.applyUpsert(ctx, e)
	case events.DeleteEvent:
		return p.applyDelete(ctx, e)
	default:
		return Outcome{}, errors.Errorf("unsupported event %T", ev)
	}
}

func (p *Projector) applyUpsert(ctx context.Context, ev events.UpsertEvent) (Outcome, error) {
	entityID := ev.EntityID()
	version, versioned := ev.VersionAt()

	stale, err := p.isStale(ctx, entityID, version, versioned)
	if err != nil {
		return Outcome{}, err
	}
	if stale {
		p.metrics.IncrementCounter(metrics.CounterEventsStale)
		log.Info().
			Str("event_id", ev.ID()).
			Str("entity_id", entityID).
			Time("version_at", version).
			Bool("versioned", versioned).
			Msg("Skipping stale upsert")
		note := StaleEventNote
		return Outcome{Skipped: true, Note: &note}, nil
	}

	doc := search.NewDocument(ev)
	if err := p.call(ctx, metrics.TimerIndexWrite, func(ctx context.Context) error {
		return p.index.Upsert(ctx, doc)
	}); err != nil {
		return Outcome{}, errors.Wrap(err, "search index upsert")
	}

	var outcome Outcome
	switch {
	case ev.Location != nil:
		row, err := locationRow(ev)
		if err != nil {
			return Outcome{}, err
		}
		if err := p.call(ctx, metrics.TimerReadModelWrite, func(ctx context.Context) error {
			return p.readModel.Upsert(ctx, row)
		}); err != nil {
			return Outcome{}, errors.Wrap(err, "read model upsert")
		}
	case ev.LocationErr != nil:
		// the map never shows a point the index no longer has
		if err := p.call(ctx, metrics.TimerReadModelWrite, func(ctx context.Context) error {
			return p.readModel.Delete(ctx, entityID)
		}); err != nil {
			return Outcome{}, errors.Wrap(err, "read model delete")
		}
		p.metrics.IncrementCounter(metrics.CounterLocationRejected)
		outcome.Problem = "location rejected: " + ev.LocationErr.Error()
		log.Warn().
			Err(ev.LocationErr).
			Str("event_id", ev.ID()).
			Str("entity_id", entityID).
			Msg("Indexed building without location")
	}

	if !versioned {
		return outcome, nil
	}
	if err := p.call(ctx, "version_write", func(ctx context.Context) error {
		return p.versions.Advance(ctx, events.EntityTypeBuilding, entityID, version)
	}); err != nil {
		return Outcome{}, errors.Wrap(err, "version ledger advance")
	}

	return outcome, nil
}

func (p *Projector) applyDelete(ctx context.Context, ev events.DeleteEvent) (Outcome, error) {
	entityID := ev.EntityID()

	if err := p.call(ctx, metrics.TimerIndexWrite, func(ctx context.Context) error {
		return p.index.Delete(ctx, entityID)
	}); err != nil {
		return Outcome{}, errors.Wrap(err, "search index delete")
	}

	if err := p.call(ctx, metrics.TimerReadModelWrite, func(ctx context.Context) error {
		return p.readModel.Delete(ctx, entityID)
	}); err != nil {
		return Outcome{}, errors.Wrap(err, "read model delete")
	}

	if err := p.call(ctx, "version_write", func(ctx context.Context) error {
		return p.versions.Tombstone(ctx, events.EntityTypeBuilding, entityID, ev.DeletedAt())
	}); err != nil {
		return Outcome{}, errors.Wrap(err, "version ledger tombstone")
	}

	return Outcome{}, nil
}

// isStale reports whether an upsert at version is older than the ledger. Upserts at or
// before a tombstone are stale; upserts equal to the current version are re-applied.
// An unversioned upsert only applies while the ledger has no entry for the entity.
func (p *Projector) isStale(ctx context.Context, entityID string, version time.Time, versioned bool) (bool, error) {
	var current *models.EntityVersion
	err := p.call(ctx, "version_read", func(ctx context.Context) error {
		var err error
		current, err = p.versions.Get(ctx, events.EntityTypeBuilding, entityID)
		return err
	})
	if errors.Is(err, repositories.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "version ledger read")
	}

	if !versioned {
		return true, nil
	}
	if current.Deleted {
		return !version.After(current.VersionAt), nil
	}
	return version.Before(current.VersionAt), nil
}

// call runs fn under the downstream timeout and times it
func (p *Projector) call(ctx context.Context, timer string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	p.metrics.RecordDuration(timer, time.Since(start))
	p.metrics.RecordOutcome(timer, err != nil)
	return err
}

func locationRow(ev events.UpsertEvent) (*models.BuildingLocation, error) {
	p := ev.Payload
	meta, err := json.Marshal(LocationMetadata{
		Title:         p.Title,
		Address:       p.Address,
		PricePerM2Min: p.PricePerM2Min,
		PricePerM2Max: p.PricePerM2Max,
		Thumbnail:     p.Thumbnail,
		Status:        p.Status,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal location metadata")
	}

	return &models.BuildingLocation{
		EntityID:        ev.EntityID(),
		Location:        models.GeoPoint{Lng: ev.Location.Lng, Lat: ev.Location.Lat},
		Metadata:        meta,
		SourceUpdatedAt: p.UpdatedAt,
	}, nil
}
