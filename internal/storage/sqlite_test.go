package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	err = store.SeedIdentifierTypes(context.Background(),
		TrackerIdentifierType{Code: "AIS", Description: "AIS MMSI"},
		TrackerIdentifierType{Code: "TCUID", Description: "vendor unique id"},
	)
	if err != nil {
		t.Fatalf("seed types: %v", err)
	}
	return store
}

func createTestIdentifier(t *testing.T, store *SQLiteStore, typeCode, externalID string) *TrackerIdentifier {
	t.Helper()
	ctx := context.Background()
	tracker := &Tracker{}
	if err := store.CreateTracker(ctx, tracker); err != nil {
		t.Fatalf("create tracker: %v", err)
	}
	ti := &TrackerIdentifier{ExternalID: externalID, TypeCode: typeCode, TrackerID: tracker.ID}
	if err := store.CreateIdentifier(ctx, ti); err != nil {
		t.Fatalf("create identifier: %v", err)
	}
	return ti
}

func TestIdentifierRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTestIdentifier(t, store, "ais", "244660000")
	if created.IdentKey != "AIS_244660000" {
		t.Errorf("IdentKey = %q, want normalized AIS_244660000", created.IdentKey)
	}

	got, err := store.GetIdentifier(ctx, "ais_244660000")
	if err != nil {
		t.Fatalf("GetIdentifier: %v", err)
	}
	if got.TrackerID != created.TrackerID {
		t.Errorf("TrackerID = %v, want %v", got.TrackerID, created.TrackerID)
	}
	if got.TypeCode != "AIS" || got.ExternalID != "244660000" {
		t.Errorf("identifier = %+v", got)
	}

	all, err := store.ListIdentifiers(ctx)
	if err != nil {
		t.Fatalf("ListIdentifiers: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListIdentifiers returned %d, want 1", len(all))
	}

	_, err = store.GetIdentifier(ctx, "AIS_MISSING")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing identifier err = %v, want ErrNotFound", err)
	}
}

func TestIdentifierTypeGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Wire a group to the AIS type by hand; identifier creation must then
	// pull new trackers into it.
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO tracker_group (smartcode, name) VALUES ('vessels', 'All Vessels')`)
	if err != nil {
		t.Fatalf("insert group: %v", err)
	}
	_, err = store.db.ExecContext(ctx,
		`INSERT INTO tracker_group_identifier_type (group_id, type_code) VALUES (1, 'AIS')`)
	if err != nil {
		t.Fatalf("link group: %v", err)
	}

	typ, err := store.GetIdentifierType(ctx, "ais")
	if err != nil {
		t.Fatalf("GetIdentifierType: %v", err)
	}
	if len(typ.GroupIDs) != 1 || typ.GroupIDs[0] != 1 {
		t.Errorf("GroupIDs = %v, want [1]", typ.GroupIDs)
	}

	ti := createTestIdentifier(t, store, "AIS", "123")

	var n int
	err = store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracker_group_membership WHERE group_id = 1 AND tracker_id = ?`,
		ti.TrackerID.String()).Scan(&n)
	if err != nil {
		t.Fatalf("count membership: %v", err)
	}
	if n != 1 {
		t.Error("tracker not auto-linked to the type's group")
	}

	_, err = store.GetIdentifierType(ctx, "BOGUS")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown type err = %v, want ErrNotFound", err)
	}
}

func TestInsertMessages_ConflictsIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ti := createTestIdentifier(t, store, "AIS", "123")

	msgs := []TrackerMessage{
		{
			SHA256Key:         "hash-a",
			IdentKey:          ti.IdentKey,
			MsgType:           "ais_position",
			Content:           map[string]any{"sog": 10.0},
			Raw:               json.RawMessage(`{"nmea":"..."}`),
			MessageTimestamp:  1000,
			Position:          &Point{Lon: 4.3, Lat: 52.1},
			PositionTimestamp: 1000,
		},
		{
			SHA256Key:        "hash-b",
			IdentKey:         ti.IdentKey,
			MsgType:          "ais_position",
			Content:          map[string]any{"sog": 11.0},
			MessageTimestamp: 2000,
		},
	}

	stored, err := store.InsertMessages(ctx, msgs)
	if err != nil {
		t.Fatalf("InsertMessages: %v", err)
	}
	if stored != 2 {
		t.Errorf("stored = %d, want 2", stored)
	}

	// Replaying the same batch stores nothing new.
	stored, err = store.InsertMessages(ctx, msgs)
	if err != nil {
		t.Fatalf("replay InsertMessages: %v", err)
	}
	if stored != 0 {
		t.Errorf("replay stored = %d, want 0", stored)
	}
}

func TestTrackerUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tracker := &Tracker{}
	if err := store.CreateTracker(ctx, tracker); err != nil {
		t.Fatalf("CreateTracker: %v", err)
	}

	err := store.BulkUpdateTrackers(ctx,
		[]string{ColAISName, ColSpeed, ColPosition, ColPositionTimestamp, ColMetaTimestamp},
		[]TrackerUpdate{{
			ID: tracker.ID,
			Values: map[string]any{
				ColAISName:           "EVER GIVEN",
				ColSpeed:             14.5,
				ColPosition:          Point{Lon: 4.3, Lat: 52.1},
				ColPositionTimestamp: int64(1000),
				ColMetaTimestamp:     int64(1000),
			},
		}})
	if err != nil {
		t.Fatalf("BulkUpdateTrackers: %v", err)
	}

	got, err := store.GetTracker(ctx, tracker.ID)
	if err != nil {
		t.Fatalf("GetTracker: %v", err)
	}
	if got.AISName != "EVER GIVEN" {
		t.Errorf("AISName = %q", got.AISName)
	}
	if got.Speed == nil || *got.Speed != 14.5 {
		t.Errorf("Speed = %v", got.Speed)
	}
	if got.Position == nil || got.Position.Lon != 4.3 || got.Position.Lat != 52.1 {
		t.Errorf("Position = %v", got.Position)
	}
	if got.PositionTimestamp != 1000 || got.MetaTimestamp != 1000 {
		t.Errorf("timestamps = %d/%d", got.PositionTimestamp, got.MetaTimestamp)
	}

	// Per-record fallback path.
	if err := store.UpdateTracker(ctx, tracker.ID, map[string]any{ColCourse: 180.0}); err != nil {
		t.Fatalf("UpdateTracker: %v", err)
	}
	got, err = store.GetTracker(ctx, tracker.ID)
	if err != nil {
		t.Fatalf("GetTracker: %v", err)
	}
	if got.Course == nil || *got.Course != 180.0 {
		t.Errorf("Course = %v", got.Course)
	}
}

func TestUpdateRejectsUnknownColumn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tracker := &Tracker{}
	if err := store.CreateTracker(ctx, tracker); err != nil {
		t.Fatalf("CreateTracker: %v", err)
	}

	err := store.UpdateTracker(ctx, tracker.ID, map[string]any{"id": "oops"})
	if err == nil {
		t.Error("update with non-whitelisted column accepted")
	}
	err = store.BulkUpdateTrackers(ctx, []string{"drop table"}, []TrackerUpdate{{ID: tracker.ID}})
	if err == nil {
		t.Error("bulk update with non-whitelisted column accepted")
	}
}

func TestTranslationTable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetTranslationTable(ctx, "AIS", "ais_position")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing table err = %v, want ErrNotFound", err)
	}

	err = store.SetTranslationTable(ctx, "AIS", "ais_position", map[string]string{
		"sog":     "speed",
		"channel": "",
	})
	if err != nil {
		t.Fatalf("SetTranslationTable: %v", err)
	}

	table, err := store.GetTranslationTable(ctx, "ais", "ais_position")
	if err != nil {
		t.Fatalf("GetTranslationTable: %v", err)
	}
	if table["sog"] != "speed" {
		t.Errorf("sog -> %q, want speed", table["sog"])
	}
	if v, ok := table["channel"]; !ok || v != "" {
		t.Errorf("channel -> %q,%v, want empty drop entry", v, ok)
	}
}

func TestRecordUnmappedFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.SetTranslationTable(ctx, "AIS", "ais_position", map[string]string{"sog": "speed"})
	if err != nil {
		t.Fatalf("SetTranslationTable: %v", err)
	}

	err = store.RecordUnmappedFields(ctx, "AIS", "ais_position", []string{"novel", "sog"})
	if err != nil {
		t.Fatalf("RecordUnmappedFields: %v", err)
	}

	table, err := store.GetTranslationTable(ctx, "AIS", "ais_position")
	if err != nil {
		t.Fatalf("GetTranslationTable: %v", err)
	}
	if table["sog"] != "speed" {
		t.Errorf("existing mapping clobbered: sog -> %q", table["sog"])
	}
	if v, ok := table["novel"]; !ok || v != "" {
		t.Errorf("novel -> %q,%v, want empty drop entry", v, ok)
	}

	// Recording against a type+msgtype with no table yet creates one.
	err = store.RecordUnmappedFields(ctx, "TCUID", "tc_position", []string{"speed"})
	if err != nil {
		t.Fatalf("RecordUnmappedFields (new table): %v", err)
	}
	table, err = store.GetTranslationTable(ctx, "TCUID", "tc_position")
	if err != nil {
		t.Fatalf("GetTranslationTable (new table): %v", err)
	}
	if _, ok := table["speed"]; !ok {
		t.Error("auto-created table missing recorded key")
	}
}
