// Package events decodes building lifecycle envelopes into typed upsert and delete events.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"example.com/estate/services/searchsync/internal/geo"
)

// EntityTypeBuilding is the only entity type this service projects
const EntityTypeBuilding = "building"

// Kind is the lifecycle step carried by an event
type Kind string

const (
	KindCreated   Kind = "created"
	KindUpdated   Kind = "updated"
	KindPublished Kind = "published"
	KindDeleted   Kind = "deleted"
)

// ErrMalformedEvent wraps every decode and validation failure
var ErrMalformedEvent = errors.New("malformed event")

var validate = validator.New()

// Metadata is the optional envelope metadata
type Metadata struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
	UserID    string     `json:"userId,omitempty"`
}

// Envelope is the inbound message body
type Envelope struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Metadata    *Metadata       `json:"metadata,omitempty"`
}

// Payload is the denormalized building snapshot
type Payload struct {
	ID                string          `json:"id"`
	Title             LocalizedText   `json:"title,omitempty"`
	Address           LocalizedText   `json:"address,omitempty"`
	Description       LocalizedText   `json:"description,omitempty"`
	Location          json.RawMessage `json:"location,omitempty"`
	PricePerM2Min     *float64        `json:"pricePerM2Min,omitempty"`
	PricePerM2Max     *float64        `json:"pricePerM2Max,omitempty"`
	AreaMin           *float64        `json:"areaMin,omitempty"`
	AreaMax           *float64        `json:"areaMax,omitempty"`
	Floors            *int            `json:"floors,omitempty"`
	CommissioningDate *string         `json:"commissioningDate,omitempty"`
	DeveloperID       string          `json:"developerId,omitempty"`
	DeveloperName     LocalizedText   `json:"developerName,omitempty"`
	RegionID          string          `json:"regionId,omitempty"`
	RegionName        LocalizedText   `json:"regionName,omitempty"`
	Status            string          `json:"status,omitempty"`
	UpdatedAt         *time.Time      `json:"updatedAt,omitempty"`
	Thumbnail         string          `json:"thumbnail,omitempty"`
}

// Event is implemented by UpsertEvent and DeleteEvent
type Event interface {
	ID() string
	Type() string
	Kind() Kind
	EntityID() string
	Raw() []byte
}

type header struct {
	EventID    string    `validate:"required"`
	EventType  string    `validate:"required"`
	EventKind  Kind      `validate:"required,oneof=created updated published deleted"`
	Entity     string    `validate:"required"`
	Body       []byte    `validate:"-"`
	OccurredAt time.Time `validate:"-"`
	// Stamped is set when OccurredAt comes from the event rather than its receipt
	Stamped bool `validate:"-"`
}

func (h header) ID() string       { return h.EventID }
func (h header) Type() string     { return h.EventType }
func (h header) Kind() Kind       { return h.EventKind }
func (h header) EntityID() string { return h.Entity }
func (h header) Raw() []byte      { return h.Body }

// UpsertEvent carries created, updated and published events
type UpsertEvent struct {
	header
	Payload Payload

	// Location is nil when the payload carries none or it failed to parse
	Location *geo.Point
	// LocationErr is set when a location was present but malformed
	LocationErr error
}

// VersionAt orders upserts of one entity: payload updatedAt, else metadata timestamp.
// ok is false when the event carries neither; such an event has no place in the ordering.
func (e UpsertEvent) VersionAt() (at time.Time, ok bool) {
	if e.Payload.UpdatedAt != nil {
		return e.Payload.UpdatedAt.UTC(), true
	}
	return e.OccurredAt, e.Stamped
}

// DeleteEvent carries deleted events
type DeleteEvent struct {
	header
}

// DeletedAt is the tombstone time: payload updatedAt, else metadata timestamp, else receipt time
func (e DeleteEvent) DeletedAt() time.Time {
	return e.OccurredAt
}

// KindOf extracts the lifecycle step from a possibly namespaced event type
func KindOf(eventType string) Kind {
	t := strings.TrimSpace(eventType)
	if i := strings.LastIndex(t, "."); i >= 0 {
		t = t[i+1:]
	}
	return Kind(strings.ToLower(t))
}

// PeekEnvelope decodes only the envelope, without validating it.
// It is used to record malformed events in the inbox under the best identifiers available.
func PeekEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	return env, nil
}

// Decode parses and validates a message body. fallbackID is used when the envelope has no
// eventId; receivedAt is the last-resort timestamp for tombstones.
func Decode(body []byte, fallbackID string, receivedAt time.Time) (Event, error) {
	env, err := PeekEnvelope(body)
	if err != nil {
		return nil, err
	}

	if env.EventID == "" {
		env.EventID = fallbackID
	}

	var payload Payload
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, errors.Wrapf(ErrMalformedEvent, "payload: %v", err)
		}
	}

	entityID := env.AggregateID
	if entityID == "" {
		entityID = payload.ID
	}
	if payload.ID != "" && env.AggregateID != "" && payload.ID != env.AggregateID {
		return nil, errors.Wrapf(ErrMalformedEvent, "payload id %q does not match aggregate id %q", payload.ID, env.AggregateID)
	}

	h := header{
		EventID:    env.EventID,
		EventType:  env.EventType,
		EventKind:  KindOf(env.EventType),
		Entity:     entityID,
		Body:       body,
		OccurredAt: receivedAt.UTC(),
	}
	if err := validate.Struct(h); err != nil {
		return nil, errors.Wrapf(ErrMalformedEvent, "envelope: %v", err)
	}

	switch h.EventKind {
	case KindDeleted:
		switch {
		case payload.UpdatedAt != nil:
			h.OccurredAt, h.Stamped = payload.UpdatedAt.UTC(), true
		case env.Metadata != nil && env.Metadata.Timestamp != nil:
			h.OccurredAt, h.Stamped = env.Metadata.Timestamp.UTC(), true
		}
		return DeleteEvent{header: h}, nil

	default:
		if len(env.Payload) == 0 || string(env.Payload) == "null" {
			return nil, errors.Wrapf(ErrMalformedEvent, "%s event %s has no payload", h.EventKind, h.EventID)
		}
		if payload.ID == "" {
			payload.ID = entityID
		}
		if env.Metadata != nil && env.Metadata.Timestamp != nil {
			h.OccurredAt, h.Stamped = env.Metadata.Timestamp.UTC(), true
		}

		ev := UpsertEvent{header: h, Payload: payload}
		if len(payload.Location) > 0 && string(payload.Location) != "null" {
			point, err := ParseLocation(payload.Location)
			if err != nil {
				ev.LocationErr = err
			} else {
				ev.Location = &point
			}
		}
		return ev, nil
	}
}

// ParseLocation accepts a WKT point string, a {lat,lng} / {latitude,longitude} object,
// a GeoJSON point or a bare [lng, lat] pair.
func ParseLocation(raw json.RawMessage) (geo.Point, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return geo.ParseWKT(text)
	}

	var pair []float64
	if err := json.Unmarshal(raw, &pair); err == nil {
		if len(pair) != 2 {
			return geo.Point{}, errors.Wrapf(geo.ErrInvalidPoint, "coordinate array needs 2 values, got %d", len(pair))
		}
		return geo.NewPoint(pair[0], pair[1])
	}

	var obj struct {
		Lat         *float64  `json:"lat"`
		Lng         *float64  `json:"lng"`
		Lon         *float64  `json:"lon"`
		Latitude    *float64  `json:"latitude"`
		Longitude   *float64  `json:"longitude"`
		Type        string    `json:"type"`
		Coordinates []float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return geo.Point{}, errors.Wrapf(geo.ErrInvalidPoint, "unsupported location %s", string(raw))
	}

	if strings.EqualFold(obj.Type, "Point") {
		if len(obj.Coordinates) != 2 {
			return geo.Point{}, errors.Wrap(geo.ErrInvalidPoint, "GeoJSON point needs 2 coordinates")
		}
		return geo.NewPoint(obj.Coordinates[0], obj.Coordinates[1])
	}

	lat := firstSet(obj.Lat, obj.Latitude)
	lng := firstSet(obj.Lng, obj.Lon, obj.Longitude)
	if lat == nil || lng == nil {
		return geo.Point{}, errors.Wrapf(geo.ErrInvalidPoint, "location missing coordinates: %s", string(raw))
	}
	return geo.NewPoint(*lng, *lat)
}

func firstSet(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// FallbackID derives a stable event id from the broker position of a message
func FallbackID(source string, sequence uint64) string {
	return fmt.Sprintf("%s:seq:%d", source, sequence)
}
