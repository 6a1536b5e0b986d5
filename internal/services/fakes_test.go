package services

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"example.com/estate/services/searchsync/internal/geo"
	"example.com/estate/services/searchsync/internal/models"
	"example.com/estate/services/searchsync/internal/repositories"
	"example.com/estate/services/searchsync/internal/search"
)

var errBackendDown = errors.New("backend down")

// In-memory stores with the same conflict semantics as the gorm repositories

type memInbox struct {
	mu        sync.Mutex
	rows      map[string]models.Inbox
	insertErr error
}

func newMemInbox() *memInbox {
	return &memInbox{rows: make(map[string]models.Inbox)}
}

func (m *memInbox) Get(ctx context.Context, eventID string) (*models.Inbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[eventID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &row, nil
}

func (m *memInbox) Insert(ctx context.Context, row *models.Inbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, ok := m.rows[row.EventID]; ok {
		return repositories.ErrDuplicateKey
	}
	m.rows[row.EventID] = *row
	return nil
}

func (m *memInbox) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return m.update(eventID, func(row *models.Inbox) {
		row.Status = models.InboxProcessed
		row.ProcessedAt = &at
		row.ErrorMessage = nil
	})
}

func (m *memInbox) MarkFailed(ctx context.Context, eventID string, message string) error {
	return m.update(eventID, func(row *models.Inbox) {
		row.Status = models.InboxFailed
		row.ErrorMessage = &message
	})
}

func (m *memInbox) update(eventID string, fn func(row *models.Inbox)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[eventID]
	if !ok {
		return repositories.ErrNotFound
	}
	fn(&row)
	m.rows[eventID] = row
	return nil
}

func (m *memInbox) row(eventID string) (models.Inbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[eventID]
	return row, ok
}

func (m *memInbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memSyncStatus struct {
	mu   sync.Mutex
	rows map[string]models.IndexSyncStatus
}

func newMemSyncStatus() *memSyncStatus {
	return &memSyncStatus{rows: make(map[string]models.IndexSyncStatus)}
}

func (m *memSyncStatus) MarkPending(ctx context.Context, entityType, entityID string, at time.Time) error {
	m.update(entityType, entityID, func(row *models.IndexSyncStatus) {
		row.Status = models.SyncPending
		row.LastSyncedAt = at
	})
	return nil
}

func (m *memSyncStatus) RecordSuccess(ctx context.Context, entityType, entityID string, note *string, at time.Time) error {
	m.update(entityType, entityID, func(row *models.IndexSyncStatus) {
		row.Status = models.SyncSuccess
		row.LastSyncedAt = at
		row.ErrorMessage = note
		row.RetryCount = 0
	})
	return nil
}

func (m *memSyncStatus) RecordError(ctx context.Context, entityType, entityID string, message string, at time.Time) error {
	m.update(entityType, entityID, func(row *models.IndexSyncStatus) {
		row.Status = models.SyncError
		row.LastSyncedAt = at
		row.ErrorMessage = &message
		row.RetryCount++
	})
	return nil
}

func (m *memSyncStatus) RecordProblem(ctx context.Context, entityType, entityID string, message string, at time.Time) error {
	m.update(entityType, entityID, func(row *models.IndexSyncStatus) {
		row.Status = models.SyncError
		row.LastSyncedAt = at
		row.ErrorMessage = &message
	})
	return nil
}

func (m *memSyncStatus) update(entityType, entityID string, fn func(row *models.IndexSyncStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityType + "/" + entityID
	row := m.rows[key]
	row.EntityType = entityType
	row.EntityID = entityID
	fn(&row)
	m.rows[key] = row
}

func (m *memSyncStatus) row(entityID string) (models.IndexSyncStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows["building/"+entityID]
	return row, ok
}

type memIndex struct {
	mu          sync.Mutex
	docs        map[string]search.Document
	upsertFails int
	block       bool
	deletes     int
}

func newMemIndex() *memIndex {
	return &memIndex{docs: make(map[string]search.Document)}
}

func (m *memIndex) Upsert(ctx context.Context, doc search.Document) error {
	m.mu.Lock()
	block := m.block
	if m.upsertFails > 0 {
		m.upsertFails--
		m.mu.Unlock()
		return errBackendDown
	}
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
	return nil
}

func (m *memIndex) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.docs, id)
	return nil
}

func (m *memIndex) doc(id string) (search.Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	return doc, ok
}

func (m *memIndex) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

type memReadModel struct {
	mu          sync.Mutex
	rows        map[string]models.BuildingLocation
	upsertFails int
}

func newMemReadModel() *memReadModel {
	return &memReadModel{rows: make(map[string]models.BuildingLocation)}
}

func (m *memReadModel) Upsert(ctx context.Context, row *models.BuildingLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertFails > 0 {
		m.upsertFails--
		return errBackendDown
	}
	m.rows[row.EntityID] = *row
	return nil
}

func (m *memReadModel) Delete(ctx context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, entityID)
	return nil
}

func (m *memReadModel) row(entityID string) (models.BuildingLocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[entityID]
	return row, ok
}

func (m *memReadModel) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memVersions struct {
	mu   sync.Mutex
	rows map[string]models.EntityVersion
}

func newMemVersions() *memVersions {
	return &memVersions{rows: make(map[string]models.EntityVersion)}
}

func (m *memVersions) Get(ctx context.Context, entityType, entityID string) (*models.EntityVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[entityType+"/"+entityID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &row, nil
}

func (m *memVersions) Advance(ctx context.Context, entityType, entityID string, at time.Time) error {
	m.put(entityType, entityID, at, false)
	return nil
}

func (m *memVersions) Tombstone(ctx context.Context, entityType, entityID string, at time.Time) error {
	m.put(entityType, entityID, at, true)
	return nil
}

func (m *memVersions) put(entityType, entityID string, at time.Time, deleted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityType + "/" + entityID
	row, ok := m.rows[key]
	if !ok || at.After(row.VersionAt) {
		row.VersionAt = at
	}
	row.EntityType = entityType
	row.EntityID = entityID
	row.Deleted = deleted
	m.rows[key] = row
}

// fakeDelivery records how the consumer settled it
type fakeDelivery struct {
	subject  string
	data     []byte
	source   string
	sequence uint64

	mu    sync.Mutex
	acks  int
	naks  int
	count uint64
}

func newDelivery(sequence uint64, body string) *fakeDelivery {
	return &fakeDelivery{
		subject:  "estate.building.event",
		data:     []byte(body),
		source:   "BUILDINGS",
		sequence: sequence,
		count:    1,
	}
}

func (d *fakeDelivery) Subject() string       { return d.subject }
func (d *fakeDelivery) Data() []byte          { return d.data }
func (d *fakeDelivery) Source() string        { return d.source }
func (d *fakeDelivery) Sequence() uint64      { return d.sequence }
func (d *fakeDelivery) NumDelivered() uint64  { return d.count }
func (d *fakeDelivery) ReceivedAt() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func (d *fakeDelivery) Ack(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks++
	return nil
}

func (d *fakeDelivery) Nak(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.naks++
	d.count++
	return nil
}

func (d *fakeDelivery) settled() (acks, naks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acks, d.naks
}

// fakeSearchReader answers every query with result, or err
type fakeSearchReader struct {
	mu      sync.Mutex
	result  *search.Result
	err     error
	queries []search.Query
}

func (f *fakeSearchReader) Search(ctx context.Context, q search.Query) (*search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeBounds filters its points with geo.Bounds.Contains
type fakeBounds struct {
	mu     sync.Mutex
	points map[string]geo.Point
	err    error
	calls  int
}

func (f *fakeBounds) WithinBounds(ctx context.Context, b geo.Bounds, limit int) ([]repositories.LocatedBuilding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []repositories.LocatedBuilding
	for id, p := range f.points {
		if b.Contains(p) {
			out = append(out, repositories.LocatedBuilding{EntityID: id, Lng: p.Lng, Lat: p.Lat})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAnalytics struct {
	mu    sync.Mutex
	rows  []models.SearchAnalytics
	delay chan struct{}
}

func (m *memAnalytics) Insert(ctx context.Context, row *models.SearchAnalytics) error {
	if m.delay != nil {
		<-m.delay
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *row)
	return nil
}

func (m *memAnalytics) all() []models.SearchAnalytics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SearchAnalytics(nil), m.rows...)
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *memCache) Set(ctx context.Context, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string][]byte)
	}
	c.data[key] = value
}
