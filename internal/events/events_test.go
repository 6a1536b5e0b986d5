package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/estate/services/searchsync/internal/geo"
)

var receivedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeCreatedEvent(t *testing.T) {
	body := []byte(`{
		"eventId": "e1",
		"eventType": "estate.building.created",
		"aggregateId": "b1",
		"payload": {
			"id": "b1",
			"title": {"en": "Tower A", "hy": "Աշտարակ Ա"},
			"address": "1 Main St",
			"location": "SRID=4326;POINT(44.51 40.18)",
			"pricePerM2Min": 1200,
			"pricePerM2Max": 1800,
			"floors": 16,
			"status": "published",
			"updatedAt": "2026-02-28T10:00:00Z"
		},
		"metadata": {"timestamp": "2026-02-28T10:00:01Z", "userId": "u1"}
	}`)

	ev, err := Decode(body, "fallback", receivedAt)
	require.NoError(t, err)

	up, ok := ev.(UpsertEvent)
	require.True(t, ok)
	assert.Equal(t, "e1", up.ID())
	assert.Equal(t, "estate.building.created", up.Type())
	assert.Equal(t, KindCreated, up.Kind())
	assert.Equal(t, "b1", up.EntityID())
	assert.Equal(t, "Tower A", up.Payload.Title["en"])
	assert.Equal(t, LocalizedText{DefaultLocale: "1 Main St"}, up.Payload.Address)
	require.NotNil(t, up.Location)
	assert.Equal(t, geo.Point{Lng: 44.51, Lat: 40.18}, *up.Location)
	assert.NoError(t, up.LocationErr)
	version, ok := up.VersionAt()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC), version)
	assert.Equal(t, body, up.Raw())
}

func TestDecodeUsesFallbackIDWhenEventIDMissing(t *testing.T) {
	body := []byte(`{"eventType":"building.updated","aggregateId":"b1","payload":{"id":"b1"}}`)

	ev, err := Decode(body, "ESTATE_EVENTS:seq:42", receivedAt)
	require.NoError(t, err)
	assert.Equal(t, "ESTATE_EVENTS:seq:42", ev.ID())
	assert.Equal(t, KindUpdated, ev.Kind())
}

func TestDecodeVersionFallsBackToMetadataTimestamp(t *testing.T) {
	withMeta := []byte(`{"eventId":"e1","eventType":"building.updated","aggregateId":"b1","payload":{"id":"b1"},"metadata":{"timestamp":"2026-02-01T00:00:00Z"}}`)
	ev, err := Decode(withMeta, "", receivedAt)
	require.NoError(t, err)
	version, ok := ev.(UpsertEvent).VersionAt()
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), version)

	// receipt time never orders upserts
	bare := []byte(`{"eventId":"e2","eventType":"building.updated","aggregateId":"b1","payload":{"id":"b1"}}`)
	ev, err = Decode(bare, "", receivedAt)
	require.NoError(t, err)
	_, ok = ev.(UpsertEvent).VersionAt()
	assert.False(t, ok)
}

func TestDecodeDeleteEvent(t *testing.T) {
	body := []byte(`{"eventId":"e9","eventType":"estate.building.deleted","aggregateId":"b1","metadata":{"timestamp":"2026-02-02T00:00:00Z"}}`)

	ev, err := Decode(body, "", receivedAt)
	require.NoError(t, err)

	del, ok := ev.(DeleteEvent)
	require.True(t, ok)
	assert.Equal(t, "b1", del.EntityID())
	assert.Equal(t, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), del.DeletedAt())

	noTime := []byte(`{"eventId":"e10","eventType":"building.deleted","aggregateId":"b2"}`)
	ev, err = Decode(noTime, "", receivedAt)
	require.NoError(t, err)
	assert.Equal(t, receivedAt, ev.(DeleteEvent).DeletedAt())
}

func TestDecodeMalformedEvents(t *testing.T) {
	cases := map[string]string{
		"invalid json":        `{"eventId":`,
		"unknown type":        `{"eventId":"e1","eventType":"building.archived","aggregateId":"b1","payload":{"id":"b1"}}`,
		"missing type":        `{"eventId":"e1","aggregateId":"b1","payload":{"id":"b1"}}`,
		"missing entity":      `{"eventId":"e1","eventType":"building.created","payload":{}}`,
		"upsert without body": `{"eventId":"e1","eventType":"building.created","aggregateId":"b1"}`,
		"id mismatch":         `{"eventId":"e1","eventType":"building.created","aggregateId":"b1","payload":{"id":"b2"}}`,
		"bad payload":         `{"eventId":"e1","eventType":"building.created","aggregateId":"b1","payload":{"floors":"many"}}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body), "fallback", receivedAt)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrMalformedEvent))
		})
	}
}

func TestDecodeKeepsEventWithMalformedLocation(t *testing.T) {
	for _, location := range []string{"POINT(500 500)", "POINT(NaN NaN)", "POINT(44.5 Inf)", "NaN,40.2"} {
		body := []byte(`{"eventId":"e1","eventType":"building.published","aggregateId":"b1","payload":{"id":"b1","location":"` + location + `"}}`)

		ev, err := Decode(body, "", receivedAt)
		require.NoError(t, err, location)

		up := ev.(UpsertEvent)
		assert.Nil(t, up.Location, location)
		require.Error(t, up.LocationErr, location)
		assert.True(t, errors.Is(up.LocationErr, geo.ErrInvalidPoint), location)
	}
}

func TestParseLocationShapes(t *testing.T) {
	want := geo.Point{Lng: 44.5, Lat: 40.2}
	for _, raw := range []string{
		`"POINT(44.5 40.2)"`,
		`[44.5, 40.2]`,
		`{"type": "Point", "coordinates": [44.5, 40.2]}`,
		`{"lat": 40.2, "lng": 44.5}`,
		`{"lat": 40.2, "lon": 44.5}`,
		`{"latitude": 40.2, "longitude": 44.5}`,
	} {
		p, err := ParseLocation(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, p, raw)
	}

	for _, raw := range []string{`[1]`, `{"lat": 40.2}`, `true`, `{"type":"Point","coordinates":[1]}`} {
		_, err := ParseLocation(json.RawMessage(raw))
		require.Error(t, err, raw)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindCreated, KindOf("estate.building.created"))
	assert.Equal(t, KindDeleted, KindOf("Building.Deleted"))
	assert.Equal(t, KindPublished, KindOf("published"))
}

func TestLocalizedText(t *testing.T) {
	var lt LocalizedText
	require.NoError(t, json.Unmarshal([]byte(`{"hy":"Բ","en":"B"}`), &lt))
	assert.Equal(t, "B Բ", lt.Text())
	assert.Equal(t, "Բ", lt.Preferred("hy"))
	assert.Equal(t, "B", lt.Preferred("ru"))

	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &lt))
	assert.Equal(t, "plain", lt.Preferred("en"))

	require.NoError(t, json.Unmarshal([]byte(`null`), &lt))
	assert.Empty(t, lt.Text())
}
