package storage

import (
	"context"
	"database/sql"
	"errors"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on an embedded SQLite database. Positions
// are stored as plain lon/lat REAL columns, JSON payloads as TEXT.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates a SQLite database at the given path. Use
// ":memory:" for a throwaway store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and :memory:
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tracker_identifier_type (
		code        TEXT PRIMARY KEY,
		description TEXT
	);

	CREATE TABLE IF NOT EXISTS tracker (
		id                  TEXT PRIMARY KEY,
		custom_name         TEXT,
		icon                TEXT,
		ais_type            TEXT,
		ais_name            TEXT,
		ais_callsign        TEXT,
		ais_length          REAL,
		ais_width           REAL,
		adsb_type           TEXT,
		adsb_registration   TEXT,
		adsb_callsign       TEXT,
		altitude            REAL,
		speed               REAL,
		course              REAL,
		lon                 REAL,
		lat                 REAL,
		position_timestamp  INTEGER,
		meta_timestamp      INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tracker_meta_ts ON tracker(meta_timestamp);

	CREATE TABLE IF NOT EXISTS tracker_group (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		smartcode   TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS tracker_group_identifier_type (
		group_id    INTEGER NOT NULL REFERENCES tracker_group(id) ON DELETE CASCADE,
		type_code   TEXT NOT NULL REFERENCES tracker_identifier_type(code) ON DELETE CASCADE,
		PRIMARY KEY (group_id, type_code)
	);

	CREATE TABLE IF NOT EXISTS tracker_group_membership (
		group_id    INTEGER NOT NULL REFERENCES tracker_group(id) ON DELETE CASCADE,
		tracker_id  TEXT NOT NULL REFERENCES tracker(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, tracker_id)
	);

	CREATE TABLE IF NOT EXISTS tracker_identifier (
		identkey        TEXT PRIMARY KEY,
		external_id     TEXT NOT NULL,
		identifier_type TEXT NOT NULL REFERENCES tracker_identifier_type(code),
		tracker_id      TEXT NOT NULL REFERENCES tracker(id) ON DELETE CASCADE,
		UNIQUE (external_id, identifier_type)
	);

	CREATE INDEX IF NOT EXISTS idx_identifier_tracker ON tracker_identifier(tracker_id);

	CREATE TABLE IF NOT EXISTS tracker_message (
		sha256_key          TEXT PRIMARY KEY,
		tracker_identifier  TEXT NOT NULL REFERENCES tracker_identifier(identkey) ON DELETE CASCADE,
		msgtype             TEXT,
		content             TEXT NOT NULL,
		dbcall              TEXT,
		raw                 TEXT,
		message_timestamp   INTEGER NOT NULL,
		lon                 REAL,
		lat                 REAL,
		position_timestamp  INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_message_identifier ON tracker_message(tracker_identifier);
	CREATE INDEX IF NOT EXISTS idx_message_timestamp ON tracker_message(message_timestamp);

	CREATE TABLE IF NOT EXISTS tracker_decoder (
		identifier_type TEXT NOT NULL REFERENCES tracker_identifier_type(code),
		msgtype         TEXT NOT NULL,
		mapping         TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (identifier_type, msgtype)
	);
	`

	_, err := db.Exec(schema)
	return err
}

// SeedIdentifierTypes inserts vocabulary entries, ignoring existing codes.
// Useful for tests and first-run setup.
func (s *SQLiteStore) SeedIdentifierTypes(ctx context.Context, types ...TrackerIdentifierType) error {
	for _, t := range types {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO tracker_identifier_type (code, description) VALUES (?, ?)
		`, strings.ToUpper(t.Code), t.Description)
		if err != nil {
			return fmt.Errorf("seed identifier type %s: %w", t.Code, err)
		}
	}
	return nil
}

func (s *SQLiteStore) GetIdentifierType(ctx context.Context, code string) (*TrackerIdentifierType, error) {
	var t TrackerIdentifierType
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT code, description FROM tracker_identifier_type WHERE code = ?
	`, strings.ToUpper(code)).Scan(&t.Code, &desc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identifier type: %w", err)
	}
	t.Description = desc.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id FROM tracker_group_identifier_type WHERE type_code = ?
	`, t.Code)
	if err != nil {
		return nil, fmt.Errorf("get type groups: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan type group: %w", err)
		}
		t.GroupIDs = append(t.GroupIDs, id)
	}
	return &t, rows.Err()
}

func (s *SQLiteStore) GetIdentifier(ctx context.Context, identkey string) (*TrackerIdentifier, error) {
	var ti TrackerIdentifier
	var trackerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT identkey, external_id, identifier_type, tracker_id
		FROM tracker_identifier WHERE identkey = ?
	`, strings.ToUpper(identkey)).Scan(&ti.IdentKey, &ti.ExternalID, &ti.TypeCode, &trackerID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identifier: %w", err)
	}
	ti.TrackerID, err = uuid.Parse(trackerID)
	if err != nil {
		return nil, fmt.Errorf("parse tracker id: %w", err)
	}
	return &ti, nil
}

func (s *SQLiteStore) ListIdentifiers(ctx context.Context) ([]TrackerIdentifier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identkey, external_id, identifier_type, tracker_id FROM tracker_identifier
	`)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TrackerIdentifier
	for rows.Next() {
		var ti TrackerIdentifier
		var trackerID string
		if err := rows.Scan(&ti.IdentKey, &ti.ExternalID, &ti.TypeCode, &trackerID); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		ti.TrackerID, err = uuid.Parse(trackerID)
		if err != nil {
			return nil, fmt.Errorf("parse tracker id: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateTracker(ctx context.Context, t *Tracker) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker (id, custom_name, icon) VALUES (?, NULLIF(?, ''), NULLIF(?, ''))
	`, t.ID.String(), t.CustomName, t.Icon)
	if err != nil {
		return fmt.Errorf("create tracker: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateIdentifier(ctx context.Context, ti *TrackerIdentifier) error {
	ti.Normalize()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_identifier (identkey, external_id, identifier_type, tracker_id)
		VALUES (?, ?, ?, ?)
	`, ti.IdentKey, ti.ExternalID, ti.TypeCode, ti.TrackerID.String())
	if err != nil {
		return fmt.Errorf("create identifier: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tracker_group_membership (group_id, tracker_id)
		SELECT group_id, ? FROM tracker_group_identifier_type WHERE type_code = ?
	`, ti.TrackerID.String(), ti.TypeCode)
	if err != nil {
		return fmt.Errorf("link identifier groups: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertMessages(ctx context.Context, msgs []TrackerMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO tracker_message
			(sha256_key, tracker_identifier, msgtype, content, dbcall, raw,
			 message_timestamp, lon, lat, position_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert messages: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	stored := 0
	for i := range msgs {
		m := &msgs[i]
		content, err := json.Marshal(m.Content)
		if err != nil {
			return stored, fmt.Errorf("marshal content: %w", err)
		}
		dbcall, err := json.Marshal(m.DBCall)
		if err != nil {
			return stored, fmt.Errorf("marshal dbcall: %w", err)
		}
		raw := "null"
		if len(m.Raw) > 0 {
			raw = string(m.Raw)
		}

		var lon, lat, posTS any
		if m.Position != nil {
			lon, lat = m.Position.Lon, m.Position.Lat
		}
		if m.PositionTimestamp != 0 {
			posTS = m.PositionTimestamp
		}

		res, err := stmt.ExecContext(ctx, m.SHA256Key, m.IdentKey, m.MsgType,
			string(content), string(dbcall), raw, m.MessageTimestamp, lon, lat, posTS)
		if err != nil {
			return stored, fmt.Errorf("insert message: %w", err)
		}
		n, _ := res.RowsAffected()
		stored += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert messages: %w", err)
	}
	return stored, nil
}

func (s *SQLiteStore) GetTracker(ctx context.Context, id uuid.UUID) (*Tracker, error) {
	var t Tracker
	var rawID string
	var customName, icon, aisType, aisName, aisCallsign sql.NullString
	var adsbType, adsbReg, adsbCallsign sql.NullString
	var aisLength, aisWidth, altitude, speed, course, lon, lat sql.NullFloat64
	var posTS, metaTS sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, custom_name, icon,
		       ais_type, ais_name, ais_callsign, ais_length, ais_width,
		       adsb_type, adsb_registration, adsb_callsign,
		       altitude, speed, course, lon, lat,
		       position_timestamp, meta_timestamp
		FROM tracker WHERE id = ?
	`, id.String()).Scan(&rawID, &customName, &icon,
		&aisType, &aisName, &aisCallsign, &aisLength, &aisWidth,
		&adsbType, &adsbReg, &adsbCallsign,
		&altitude, &speed, &course, &lon, &lat, &posTS, &metaTS)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tracker: %w", err)
	}

	t.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse tracker id: %w", err)
	}
	t.CustomName = customName.String
	t.Icon = icon.String
	t.AISType = aisType.String
	t.AISName = aisName.String
	t.AISCallsign = aisCallsign.String
	t.ADSBType = adsbType.String
	t.ADSBRegistration = adsbReg.String
	t.ADSBCallsign = adsbCallsign.String
	t.AISLength = nullFloat(aisLength)
	t.AISWidth = nullFloat(aisWidth)
	t.Altitude = nullFloat(altitude)
	t.Speed = nullFloat(speed)
	t.Course = nullFloat(course)
	if lon.Valid && lat.Valid {
		t.Position = &Point{Lon: lon.Float64, Lat: lat.Float64}
	}
	t.PositionTimestamp = posTS.Int64
	t.MetaTimestamp = metaTS.Int64
	return &t, nil
}

func (s *SQLiteStore) BulkUpdateTrackers(ctx context.Context, columns []string, updates []TrackerUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := validateColumns(columns); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, buildSQLiteUpdate(columns))
	if err != nil {
		return fmt.Errorf("prepare bulk update: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range updates {
		args := sqliteUpdateArgs(columns, u.Values, u.ID)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("bulk update trackers: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateTracker(ctx context.Context, id uuid.UUID, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	columns := make([]string, 0, len(values))
	for col := range values {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	if err := validateColumns(columns); err != nil {
		return err
	}

	args := sqliteUpdateArgs(columns, values, id)
	if _, err := s.db.ExecContext(ctx, buildSQLiteUpdate(columns), args...); err != nil {
		return fmt.Errorf("update tracker: %w", err)
	}
	return nil
}

// buildSQLiteUpdate renders the UPDATE statement for an explicit column
// list. The position column expands to the lon and lat columns.
func buildSQLiteUpdate(columns []string) string {
	var sb strings.Builder
	sb.WriteString("UPDATE tracker SET ")
	for i, col := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		if col == ColPosition {
			sb.WriteString("lon = ?, lat = ?")
			continue
		}
		sb.WriteString(col)
		sb.WriteString(" = ?")
	}
	sb.WriteString(" WHERE id = ?")
	return sb.String()
}

func sqliteUpdateArgs(columns []string, values map[string]any, id uuid.UUID) []any {
	args := make([]any, 0, len(columns)+2)
	for _, col := range columns {
		if col == ColPosition {
			p, _ := values[col].(Point)
			args = append(args, p.Lon, p.Lat)
			continue
		}
		args = append(args, values[col])
	}
	return append(args, id.String())
}

func (s *SQLiteStore) GetTranslationTable(ctx context.Context, typeCode, msgType string) (map[string]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT mapping FROM tracker_decoder WHERE identifier_type = ? AND msgtype = ?
	`, strings.ToUpper(typeCode), msgType).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get translation table: %w", err)
	}

	var withNulls map[string]*string
	if err := json.Unmarshal([]byte(raw), &withNulls); err != nil {
		return nil, fmt.Errorf("decode translation table: %w", err)
	}
	table := make(map[string]string, len(withNulls))
	for k, v := range withNulls {
		table[k] = deref(v)
	}
	return table, nil
}

// SetTranslationTable replaces the mapping for one (identifier type,
// msgtype) pair. Empty-string targets persist as JSON nulls.
func (s *SQLiteStore) SetTranslationTable(ctx context.Context, typeCode, msgType string, table map[string]string) error {
	withNulls := make(map[string]*string, len(table))
	for k, v := range table {
		if v == "" {
			withNulls[k] = nil
			continue
		}
		target := v
		withNulls[k] = &target
	}
	raw, err := json.Marshal(withNulls)
	if err != nil {
		return fmt.Errorf("marshal translation table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tracker_decoder (identifier_type, msgtype, mapping)
		VALUES (?, ?, ?)
		ON CONFLICT (identifier_type, msgtype) DO UPDATE SET mapping = excluded.mapping
	`, strings.ToUpper(typeCode), msgType, string(raw))
	if err != nil {
		return fmt.Errorf("set translation table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordUnmappedFields(ctx context.Context, typeCode, msgType string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	table, err := s.GetTranslationTable(ctx, typeCode, msgType)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if table == nil {
		table = make(map[string]string, len(keys))
	}
	changed := false
	for _, k := range keys {
		if _, ok := table[k]; !ok {
			table[k] = ""
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.SetTranslationTable(ctx, typeCode, msgType, table)
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
