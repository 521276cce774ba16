package flush

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"geotracker/internal/statebuf"
	"geotracker/internal/storage"
)

// fakeStore implements storage.Store in memory with injectable failures.
type fakeStore struct {
	mu       sync.Mutex
	trackers map[uuid.UUID]*storage.Tracker
	messages map[string]storage.TrackerMessage

	failBulk    bool
	bulkCalls   [][]string
	singleCalls []uuid.UUID
	failSingle  map[uuid.UUID]bool

	failBulkInsert bool
	failInsertKeys map[string]bool
	insertCalls    []int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		trackers:       make(map[uuid.UUID]*storage.Tracker),
		messages:       make(map[string]storage.TrackerMessage),
		failSingle:     make(map[uuid.UUID]bool),
		failInsertKeys: make(map[string]bool),
	}
}

func (f *fakeStore) addTracker(t *storage.Tracker) uuid.UUID {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	f.trackers[t.ID] = t
	return t.ID
}

func (f *fakeStore) GetIdentifierType(context.Context, string) (*storage.TrackerIdentifierType, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeStore) GetIdentifier(context.Context, string) (*storage.TrackerIdentifier, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeStore) ListIdentifiers(context.Context) ([]storage.TrackerIdentifier, error) {
	return nil, nil
}
func (f *fakeStore) CreateTracker(_ context.Context, t *storage.Tracker) error {
	f.addTracker(t)
	return nil
}
func (f *fakeStore) CreateIdentifier(context.Context, *storage.TrackerIdentifier) error { return nil }

func (f *fakeStore) InsertMessages(_ context.Context, msgs []storage.TrackerMessage) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls = append(f.insertCalls, len(msgs))
	if f.failBulkInsert && len(msgs) > 1 {
		return 0, errors.New("bulk insert refused")
	}
	// A refused row aborts the whole call, like a failed batch transaction.
	for _, m := range msgs {
		if f.failInsertKeys[m.SHA256Key] {
			return 0, errors.New("insert refused: " + m.SHA256Key)
		}
	}
	stored := 0
	for _, m := range msgs {
		if _, exists := f.messages[m.SHA256Key]; exists {
			continue
		}
		f.messages[m.SHA256Key] = m
		stored++
	}
	return stored, nil
}

func (f *fakeStore) GetTracker(_ context.Context, id uuid.UUID) (*storage.Tracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trackers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) BulkUpdateTrackers(ctx context.Context, columns []string, updates []storage.TrackerUpdate) error {
	f.mu.Lock()
	f.bulkCalls = append(f.bulkCalls, columns)
	fail := f.failBulk
	f.mu.Unlock()
	if fail {
		return errors.New("bulk update refused")
	}
	for _, u := range updates {
		if err := f.UpdateTracker(ctx, u.ID, u.Values); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) UpdateTracker(_ context.Context, id uuid.UUID, values map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls = append(f.singleCalls, id)
	if f.failSingle[id] {
		return errors.New("record refused")
	}
	t, ok := f.trackers[id]
	if !ok {
		return storage.ErrNotFound
	}
	for col, v := range values {
		switch col {
		case storage.ColCustomName:
			t.CustomName = v.(string)
		case storage.ColIcon:
			t.Icon = v.(string)
		case storage.ColAISName:
			t.AISName = v.(string)
		case storage.ColAISCallsign:
			t.AISCallsign = v.(string)
		case storage.ColSpeed:
			s := v.(float64)
			t.Speed = &s
		case storage.ColCourse:
			c := v.(float64)
			t.Course = &c
		case storage.ColPosition:
			p := v.(storage.Point)
			t.Position = &p
		case storage.ColPositionTimestamp:
			t.PositionTimestamp = v.(int64)
		case storage.ColMetaTimestamp:
			t.MetaTimestamp = v.(int64)
		}
	}
	return nil
}

func (f *fakeStore) GetTranslationTable(context.Context, string, string) (map[string]string, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeStore) RecordUnmappedFields(context.Context, string, string, []string) error {
	return nil
}
func (f *fakeStore) Close() error { return nil }

// failingArchive always refuses batches.
type failingArchive struct{ calls int }

func (a *failingArchive) ArchiveMessages(context.Context, []storage.TrackerMessage) error {
	a.calls++
	return errors.New("archive down")
}

// recordingArchive keeps every forwarded batch.
type recordingArchive struct{ batches [][]storage.TrackerMessage }

func (a *recordingArchive) ArchiveMessages(_ context.Context, msgs []storage.TrackerMessage) error {
	a.batches = append(a.batches, msgs)
	return nil
}

func newTestScheduler(store storage.Store) (*Scheduler, *statebuf.StateBuffer, *statebuf.MessageBuffer) {
	states := statebuf.NewStateBuffer()
	messages := statebuf.NewMessageBuffer()
	return NewScheduler(store, states, messages, 0, zerolog.Nop()), states, messages
}

func TestFlush_MessagesIdempotent(t *testing.T) {
	store := newFakeStore()
	s, _, messages := newTestScheduler(store)

	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h1", MessageTimestamp: 1})
	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h2", MessageTimestamp: 2})
	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h1", MessageTimestamp: 1}) // replay

	s.Flush(context.Background())

	if len(store.messages) != 2 {
		t.Errorf("stored %d messages, want 2 (replay collapsed)", len(store.messages))
	}
	if messages.Len() != 0 {
		t.Errorf("message buffer not drained")
	}
}

func TestFlush_MessageFallbackOnBulkFailure(t *testing.T) {
	store := newFakeStore()
	store.failBulkInsert = true
	s, _, messages := newTestScheduler(store)

	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h1", MessageTimestamp: 1})
	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h2", MessageTimestamp: 2})

	s.Flush(context.Background())

	if len(store.messages) != 2 {
		t.Fatalf("stored %d messages, want 2 after per-record fallback", len(store.messages))
	}
	// One bulk attempt, then one call per record.
	if len(store.insertCalls) != 3 || store.insertCalls[0] != 2 {
		t.Errorf("insert calls = %v, want [2 1 1]", store.insertCalls)
	}
}

func TestFlush_MessagePoisonRowLosesOnlyItself(t *testing.T) {
	store := newFakeStore()
	store.failInsertKeys["h2"] = true
	s, _, messages := newTestScheduler(store)

	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h1", MessageTimestamp: 1})
	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h2", MessageTimestamp: 2})
	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h3", MessageTimestamp: 3})

	s.Flush(context.Background())

	if len(store.messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(store.messages))
	}
	if _, ok := store.messages["h2"]; ok {
		t.Error("refused row was stored")
	}
	for _, key := range []string{"h1", "h3"} {
		if _, ok := store.messages[key]; !ok {
			t.Errorf("message %s lost with the poison row", key)
		}
	}
}

func TestFlush_StateUpdate(t *testing.T) {
	store := newFakeStore()
	id := store.addTracker(&storage.Tracker{})
	s, states, _ := newTestScheduler(store)

	states.Accumulate(id, map[string]any{
		"speed":     14.5,
		"latitude":  52.0,
		"longitude": 4.3,
		"ais_name":  "EVER GIVEN",
	}, 1000, 1000)

	s.Flush(context.Background())

	got := store.trackers[id]
	if got.Speed == nil || *got.Speed != 14.5 {
		t.Errorf("Speed = %v, want 14.5", got.Speed)
	}
	if got.Position == nil || got.Position.Lat != 52.0 || got.Position.Lon != 4.3 {
		t.Errorf("Position = %v", got.Position)
	}
	if got.AISName != "EVER GIVEN" {
		t.Errorf("AISName = %q", got.AISName)
	}
	if got.PositionTimestamp != 1000 || got.MetaTimestamp != 1000 {
		t.Errorf("timestamps = %d/%d, want 1000/1000", got.PositionTimestamp, got.MetaTimestamp)
	}
}

func TestFlush_FillOnlyFields(t *testing.T) {
	store := newFakeStore()
	curated := store.addTracker(&storage.Tracker{CustomName: "My Boat"})
	blank := store.addTracker(&storage.Tracker{})
	s, states, _ := newTestScheduler(store)

	states.Accumulate(curated, map[string]any{"custom_name": "decoder guess"}, 0, 1000)
	states.Accumulate(blank, map[string]any{"custom_name": "decoder guess"}, 0, 1000)

	s.Flush(context.Background())

	if store.trackers[curated].CustomName != "My Boat" {
		t.Errorf("curated name overwritten: %q", store.trackers[curated].CustomName)
	}
	if store.trackers[blank].CustomName != "decoder guess" {
		t.Errorf("blank name not filled: %q", store.trackers[blank].CustomName)
	}
}

func TestFlush_StaleStateRejected(t *testing.T) {
	store := newFakeStore()
	speed := 20.0
	id := store.addTracker(&storage.Tracker{Speed: &speed, PositionTimestamp: 2000, MetaTimestamp: 2000})
	s, states, _ := newTestScheduler(store)

	states.Accumulate(id, map[string]any{"speed": 5.0}, 1000, 1000)

	s.Flush(context.Background())

	got := store.trackers[id]
	if *got.Speed != 20.0 {
		t.Errorf("Speed = %v, stale update applied", *got.Speed)
	}
	if got.PositionTimestamp != 2000 {
		t.Errorf("PositionTimestamp rolled back to %d", got.PositionTimestamp)
	}
}

func TestFlush_GroupsByColumnSet(t *testing.T) {
	store := newFakeStore()
	a := store.addTracker(&storage.Tracker{})
	b := store.addTracker(&storage.Tracker{})
	c := store.addTracker(&storage.Tracker{})
	s, states, _ := newTestScheduler(store)

	// a and b change the same column set, c a different one.
	states.Accumulate(a, map[string]any{"speed": 1.0}, 100, 100)
	states.Accumulate(b, map[string]any{"speed": 2.0}, 100, 100)
	states.Accumulate(c, map[string]any{"ais_name": "X"}, 0, 100)

	s.Flush(context.Background())

	if len(store.bulkCalls) != 2 {
		t.Errorf("issued %d bulk updates, want 2 (one per column set)", len(store.bulkCalls))
	}
}

func TestFlush_FallbackOnBulkFailure(t *testing.T) {
	store := newFakeStore()
	a := store.addTracker(&storage.Tracker{})
	b := store.addTracker(&storage.Tracker{})
	store.failBulk = true
	store.failSingle[a] = true
	s, states, _ := newTestScheduler(store)

	states.Accumulate(a, map[string]any{"speed": 1.0}, 100, 100)
	states.Accumulate(b, map[string]any{"speed": 2.0}, 100, 100)

	s.Flush(context.Background())

	// Both records tried individually; the failing one does not block the
	// other.
	if len(store.singleCalls) != 2 {
		t.Errorf("fallback tried %d records, want 2", len(store.singleCalls))
	}
	if store.trackers[b].Speed == nil || *store.trackers[b].Speed != 2.0 {
		t.Errorf("surviving record not persisted: %v", store.trackers[b].Speed)
	}
}

func TestFlush_ArchiveFailureDoesNotBlock(t *testing.T) {
	store := newFakeStore()
	sink := &failingArchive{}
	s, _, messages := newTestScheduler(store)
	s.WithArchive(sink)

	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h1"})

	s.Flush(context.Background())

	if sink.calls != 1 {
		t.Errorf("archive called %d times, want 1", sink.calls)
	}
	if len(store.messages) != 1 {
		t.Errorf("relational insert lost: %d messages", len(store.messages))
	}
}

func TestFlush_ArchiveReceivesBatch(t *testing.T) {
	store := newFakeStore()
	sink := &recordingArchive{}
	s, _, messages := newTestScheduler(store)
	s.WithArchive(sink)

	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h1"})
	messages.Enqueue(storage.TrackerMessage{SHA256Key: "h2"})

	s.Flush(context.Background())

	if len(sink.batches) != 1 || len(sink.batches[0]) != 2 {
		t.Errorf("archive batches = %v", sink.batches)
	}
}

func TestFlush_NoChangesNoWrite(t *testing.T) {
	store := newFakeStore()
	speed := 10.0
	id := store.addTracker(&storage.Tracker{Speed: &speed, PositionTimestamp: 100, MetaTimestamp: 100})
	s, states, _ := newTestScheduler(store)

	// Same value again, newer timestamp: nothing material changed.
	states.Accumulate(id, map[string]any{"speed": 10.0}, 200, 200)

	s.Flush(context.Background())

	if len(store.bulkCalls) != 0 {
		t.Errorf("issued %d bulk updates for a no-op diff", len(store.bulkCalls))
	}
}
