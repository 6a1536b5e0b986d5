package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/estate/services/searchsync/internal/events"
	"example.com/estate/services/searchsync/internal/messaging"
	"example.com/estate/services/searchsync/internal/metrics"
	"example.com/estate/services/searchsync/internal/models"
	"example.com/estate/services/searchsync/internal/repositories"
)

type harness struct {
	inbox     *memInbox
	status    *memSyncStatus
	index     *memIndex
	readModel *memReadModel
	versions  *memVersions
	metrics   *metrics.Metrics
	consumer  *Consumer
}

func newHarness(timeout time.Duration) *harness {
	h := &harness{
		inbox:     newMemInbox(),
		status:    newMemSyncStatus(),
		index:     newMemIndex(),
		readModel: newMemReadModel(),
		versions:  newMemVersions(),
		metrics:   metrics.NewMetrics(),
	}
	projector := NewProjector(h.index, h.readModel, h.versions, timeout, h.metrics)
	h.consumer = NewConsumer(h.inbox, h.status, projector, time.Second, h.metrics, nil)
	return h
}

func (h *harness) deliver(d *fakeDelivery) *fakeDelivery {
	h.consumer.Handle(context.Background(), d)
	return d
}

const towerCreated = `{
	"eventId": "e1",
	"eventType": "building.created",
	"aggregateId": "b1",
	"payload": {
		"id": "b1",
		"location": "POINT(44.50 40.18)",
		"title": {"en": "Tower A"},
		"status": "published"
	}
}`

func TestConsumer_DuplicateDeliveryIsProcessedOnce(t *testing.T) {
	h := newHarness(time.Second)

	first := h.deliver(newDelivery(1, towerCreated))
	second := h.deliver(newDelivery(1, towerCreated))

	acks, naks := first.settled()
	assert.Equal(t, 1, acks)
	assert.Zero(t, naks)
	acks, naks = second.settled()
	assert.Equal(t, 1, acks)
	assert.Zero(t, naks)

	assert.Equal(t, 1, h.inbox.len())
	row, ok := h.inbox.row("e1")
	require.True(t, ok)
	assert.Equal(t, models.InboxProcessed, row.Status)
	assert.Equal(t, "building.created", row.EventType)
	assert.Equal(t, "b1", row.AggregateID)
	assert.NotNil(t, row.ProcessedAt)

	assert.Equal(t, 1, h.index.len())
	doc, ok := h.index.doc("b1")
	require.True(t, ok)
	assert.Equal(t, "Tower A", doc.Title["en"])
	require.NotNil(t, doc.Location)
	assert.Equal(t, 40.18, doc.Location.Lat)
	assert.Equal(t, 44.50, doc.Location.Lon)

	assert.Equal(t, 1, h.readModel.len())
	loc, ok := h.readModel.row("b1")
	require.True(t, ok)
	assert.Equal(t, 44.50, loc.Location.Lng)
	assert.Equal(t, 40.18, loc.Location.Lat)
	assert.JSONEq(t, `{"title":{"en":"Tower A"},"status":"published"}`, string(loc.Metadata))

	status, ok := h.status.row("b1")
	require.True(t, ok)
	assert.Equal(t, models.SyncSuccess, status.Status)
	assert.Zero(t, status.RetryCount)

	assert.Equal(t, int64(1), h.metrics.GetCounters()[metrics.CounterEventsDuplicate])
	assert.Equal(t, int64(1), h.metrics.GetCounters()[metrics.CounterEventsProcessed])
}

func TestConsumer_RepeatedRedeliveryConverges(t *testing.T) {
	h := newHarness(time.Second)

	for i := 0; i < 5; i++ {
		d := h.deliver(newDelivery(1, towerCreated))
		acks, naks := d.settled()
		assert.Equal(t, 1, acks, "delivery %d", i)
		assert.Zero(t, naks, "delivery %d", i)
	}

	assert.Equal(t, 1, h.inbox.len())
	assert.Equal(t, 1, h.index.len())
	assert.Equal(t, 1, h.readModel.len())
	assert.Equal(t, int64(4), h.metrics.GetCounters()[metrics.CounterEventsDuplicate])
}

func TestConsumer_FailedProjectionIsRetried(t *testing.T) {
	h := newHarness(time.Second)
	h.readModel.upsertFails = 1

	d := newDelivery(1, towerCreated)
	h.deliver(d)

	acks, naks := d.settled()
	assert.Zero(t, acks)
	assert.Equal(t, 1, naks)

	row, ok := h.inbox.row("e1")
	require.True(t, ok)
	assert.Equal(t, models.InboxFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "read model upsert")

	status, ok := h.status.row("b1")
	require.True(t, ok)
	assert.Equal(t, models.SyncError, status.Status)
	assert.Equal(t, 1, status.RetryCount)

	// redelivery of the same message
	h.deliver(d)

	acks, naks = d.settled()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 1, naks)

	row, _ = h.inbox.row("e1")
	assert.Equal(t, models.InboxProcessed, row.Status)
	assert.Nil(t, row.ErrorMessage)

	status, _ = h.status.row("b1")
	assert.Equal(t, models.SyncSuccess, status.Status)
	assert.Zero(t, status.RetryCount)
	assert.Nil(t, status.ErrorMessage)

	assert.Equal(t, 1, h.index.len())
	assert.Equal(t, 1, h.readModel.len())
}

func TestConsumer_IndexFailureLeavesReadModelUntouched(t *testing.T) {
	h := newHarness(time.Second)
	h.index.upsertFails = 1

	d := h.deliver(newDelivery(1, towerCreated))

	_, naks := d.settled()
	assert.Equal(t, 1, naks)
	assert.Zero(t, h.index.len())
	assert.Zero(t, h.readModel.len())

	_, err := h.versions.Get(context.Background(), events.EntityTypeBuilding, "b1")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestConsumer_DownstreamTimeoutNaks(t *testing.T) {
	h := newHarness(20 * time.Millisecond)
	h.index.block = true

	d := h.deliver(newDelivery(1, towerCreated))

	acks, naks := d.settled()
	assert.Zero(t, acks)
	assert.Equal(t, 1, naks)

	row, ok := h.inbox.row("e1")
	require.True(t, ok)
	assert.Equal(t, models.InboxFailed, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "deadline exceeded")

	status, _ := h.status.row("b1")
	assert.Equal(t, models.SyncError, status.Status)
	assert.Equal(t, 1, status.RetryCount)
}

func TestConsumer_ContendedClaimNaks(t *testing.T) {
	h := newHarness(time.Second)
	h.inbox.insertErr = repositories.ErrDuplicateKey

	d := h.deliver(newDelivery(1, towerCreated))

	acks, naks := d.settled()
	assert.Zero(t, acks)
	assert.Equal(t, 1, naks)
	assert.Zero(t, h.index.len())
	assert.Zero(t, h.readModel.len())
	assert.Equal(t, int64(1), h.metrics.GetCounters()[metrics.CounterEventsContended])
}

func TestConsumer_MalformedBodyIsRecordedUnderFallbackID(t *testing.T) {
	h := newHarness(time.Second)

	d := h.deliver(newDelivery(7, `{not json`))

	acks, naks := d.settled()
	assert.Zero(t, acks)
	assert.Equal(t, 1, naks)

	row, ok := h.inbox.row("BUILDINGS:seq:7")
	require.True(t, ok)
	assert.Equal(t, models.InboxFailed, row.Status)
	assert.Nil(t, row.Payload)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "malformed event")

	assert.Empty(t, h.status.rows)
	assert.Equal(t, int64(1), h.metrics.GetCounters()[metrics.CounterEventsMalformed])

	// a redelivery updates the same row
	h.deliver(d)
	assert.Equal(t, 1, h.inbox.len())
	_, naks = d.settled()
	assert.Equal(t, 2, naks)
}

func TestConsumer_UnknownEventTypeIsRecordedAsSyncError(t *testing.T) {
	h := newHarness(time.Second)

	d := h.deliver(newDelivery(3, `{
		"eventId": "e9",
		"eventType": "building.renamed",
		"aggregateId": "b9",
		"payload": {"id": "b9"}
	}`))

	_, naks := d.settled()
	assert.Equal(t, 1, naks)

	row, ok := h.inbox.row("e9")
	require.True(t, ok)
	assert.Equal(t, models.InboxFailed, row.Status)
	assert.Equal(t, "building.renamed", row.EventType)
	assert.Equal(t, "b9", row.AggregateID)

	status, ok := h.status.row("b9")
	require.True(t, ok)
	assert.Equal(t, models.SyncError, status.Status)
	assert.Equal(t, 1, status.RetryCount)
	assert.Zero(t, h.index.len())
}

func TestConsumer_MalformedLocationStillIndexes(t *testing.T) {
	h := newHarness(time.Second)

	d := h.deliver(newDelivery(1, `{
		"eventId": "e2",
		"eventType": "building.created",
		"aggregateId": "b2",
		"payload": {"id": "b2", "location": "POINT(200 40.18)", "title": {"en": "Tower B"}}
	}`))

	acks, naks := d.settled()
	assert.Equal(t, 1, acks)
	assert.Zero(t, naks)

	doc, ok := h.index.doc("b2")
	require.True(t, ok)
	assert.Nil(t, doc.Location)
	assert.Equal(t, "Tower B", doc.TitleText)
	assert.Zero(t, h.readModel.len())

	row, _ := h.inbox.row("e2")
	assert.Equal(t, models.InboxProcessed, row.Status)

	status, ok := h.status.row("b2")
	require.True(t, ok)
	assert.Equal(t, models.SyncError, status.Status)
	assert.Zero(t, status.RetryCount)
	require.NotNil(t, status.ErrorMessage)
	assert.Contains(t, *status.ErrorMessage, "location rejected")
	assert.Equal(t, int64(1), h.metrics.GetCounters()[metrics.CounterLocationRejected])
}

func TestConsumer_NonFiniteLocationStillIndexes(t *testing.T) {
	h := newHarness(time.Second)
	h.deliver(newDelivery(1, towerCreated))
	require.Equal(t, 1, h.readModel.len())

	d := h.deliver(newDelivery(2, `{
		"eventId": "e2",
		"eventType": "building.updated",
		"aggregateId": "b1",
		"payload": {"id": "b1", "location": "POINT(NaN NaN)", "title": {"en": "Tower A"}}
	}`))

	acks, naks := d.settled()
	assert.Equal(t, 1, acks)
	assert.Zero(t, naks)

	doc, ok := h.index.doc("b1")
	require.True(t, ok)
	assert.Nil(t, doc.Location)
	assert.Zero(t, h.readModel.len())

	row, _ := h.inbox.row("e2")
	assert.Equal(t, models.InboxProcessed, row.Status)

	status, _ := h.status.row("b1")
	assert.Equal(t, models.SyncError, status.Status)
	require.NotNil(t, status.ErrorMessage)
	assert.Contains(t, *status.ErrorMessage, "location rejected")
}

func TestConsumer_RedeliveredCreateDoesNotOverwriteUpdate(t *testing.T) {
	h := newHarness(time.Second)
	h.index.upsertFails = 1

	created := h.deliver(newDelivery(1, towerCreated))
	_, naks := created.settled()
	require.Equal(t, 1, naks)

	updated := h.deliver(newDelivery(2, `{
		"eventId": "e2",
		"eventType": "building.updated",
		"aggregateId": "b1",
		"payload": {
			"id": "b1",
			"location": "POINT(44.50 40.18)",
			"title": {"en": "Tower B"},
			"updatedAt": "2025-12-31T00:00:00Z"
		}
	}`))
	acks, _ := updated.settled()
	require.Equal(t, 1, acks)

	// the nak'd create comes back after the update
	h.deliver(created)
	acks, _ = created.settled()
	assert.Equal(t, 1, acks)

	doc, ok := h.index.doc("b1")
	require.True(t, ok)
	assert.Equal(t, "Tower B", doc.Title["en"])

	loc, ok := h.readModel.row("b1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":{"en":"Tower B"}}`, string(loc.Metadata))

	row, _ := h.inbox.row("e1")
	assert.Equal(t, models.InboxProcessed, row.Status)
	status, _ := h.status.row("b1")
	require.NotNil(t, status.ErrorMessage)
	assert.Equal(t, StaleEventNote, *status.ErrorMessage)
}

func TestConsumer_DeleteRemovesFromBothStores(t *testing.T) {
	h := newHarness(time.Second)
	h.deliver(newDelivery(1, towerCreated))
	require.Equal(t, 1, h.index.len())

	deleted := h.deliver(newDelivery(2, `{
		"eventId": "e3",
		"eventType": "building.deleted",
		"aggregateId": "b1",
		"metadata": {"timestamp": "2026-02-01T00:00:00Z"}
	}`))
	acks, _ := deleted.settled()
	assert.Equal(t, 1, acks)
	assert.Zero(t, h.index.len())
	assert.Zero(t, h.readModel.len())

	// deleting again is harmless
	again := h.deliver(newDelivery(3, `{"eventId": "e4", "eventType": "building.deleted", "aggregateId": "b1"}`))
	acks, naks := again.settled()
	assert.Equal(t, 1, acks)
	assert.Zero(t, naks)

	status, _ := h.status.row("b1")
	assert.Equal(t, models.SyncSuccess, status.Status)
}

type sliceSubscriber struct {
	deliveries []*fakeDelivery
}

func (s *sliceSubscriber) Consume(ctx context.Context, handler messaging.Handler) error {
	for _, d := range s.deliveries {
		handler(ctx, d)
	}
	return nil
}

func (s *sliceSubscriber) Close() error { return nil }

func TestConsumer_Run(t *testing.T) {
	h := newHarness(time.Second)
	sub := &sliceSubscriber{deliveries: []*fakeDelivery{
		newDelivery(1, towerCreated),
		newDelivery(2, towerCreated),
	}}

	require.NoError(t, h.consumer.Run(context.Background(), sub))

	for _, d := range sub.deliveries {
		acks, _ := d.settled()
		assert.Equal(t, 1, acks)
	}
	assert.Equal(t, int64(2), h.metrics.GetCounters()[metrics.CounterEventsReceived])
	assert.Equal(t, 1, h.index.len())
}
