package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresStore implements Store on PostgreSQL with PostGIS geography
// columns for positions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// CreateSchema creates the PostgreSQL tables.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	schema := `
	-- Identifier type vocabulary (AIS, ICAO, TCUID, ...)
	CREATE TABLE IF NOT EXISTS tracker_identifier_type (
		code            TEXT PRIMARY KEY,
		description     TEXT
	);

	-- Durable merged state, one row per physical asset.
	CREATE TABLE IF NOT EXISTS tracker (
		id                  UUID PRIMARY KEY,
		custom_name         TEXT,
		icon                TEXT,
		ais_type            TEXT,
		ais_name            TEXT,
		ais_callsign        TEXT,
		ais_length          DOUBLE PRECISION,
		ais_width           DOUBLE PRECISION,
		adsb_type           TEXT,
		adsb_registration   TEXT,
		adsb_callsign       TEXT,
		altitude            DOUBLE PRECISION,
		speed               DOUBLE PRECISION,
		course              DOUBLE PRECISION,
		position            GEOGRAPHY(POINT, 4326),
		position_timestamp  BIGINT,
		meta_timestamp      BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_tracker_custom_name ON tracker(custom_name);
	CREATE INDEX IF NOT EXISTS idx_tracker_position_ts ON tracker(position_timestamp);
	CREATE INDEX IF NOT EXISTS idx_tracker_meta_ts ON tracker(meta_timestamp);

	CREATE TABLE IF NOT EXISTS tracker_group (
		id          SERIAL PRIMARY KEY,
		smartcode   TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL UNIQUE
	);

	-- Which groups a tracker joins when it gains an identifier of a type.
	CREATE TABLE IF NOT EXISTS tracker_group_identifier_type (
		group_id    INTEGER NOT NULL REFERENCES tracker_group(id) ON DELETE CASCADE,
		type_code   TEXT NOT NULL REFERENCES tracker_identifier_type(code) ON DELETE CASCADE,
		PRIMARY KEY (group_id, type_code)
	);

	CREATE TABLE IF NOT EXISTS tracker_group_membership (
		group_id    INTEGER NOT NULL REFERENCES tracker_group(id) ON DELETE CASCADE,
		tracker_id  UUID NOT NULL REFERENCES tracker(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, tracker_id)
	);

	CREATE TABLE IF NOT EXISTS tracker_identifier (
		identkey        TEXT PRIMARY KEY,
		external_id     TEXT NOT NULL,
		identifier_type TEXT NOT NULL REFERENCES tracker_identifier_type(code),
		tracker_id      UUID NOT NULL REFERENCES tracker(id) ON DELETE CASCADE,
		UNIQUE (external_id, identifier_type)
	);

	CREATE INDEX IF NOT EXISTS idx_identifier_tracker ON tracker_identifier(tracker_id);

	-- Raw message archive keyed by content hash.
	CREATE TABLE IF NOT EXISTS tracker_message (
		sha256_key          TEXT PRIMARY KEY,
		tracker_identifier  TEXT NOT NULL REFERENCES tracker_identifier(identkey) ON DELETE CASCADE,
		msgtype             TEXT,
		content             JSONB NOT NULL,
		dbcall              JSONB,
		raw                 JSONB,
		message_timestamp   BIGINT NOT NULL,
		position            GEOGRAPHY(POINT, 4326),
		position_timestamp  BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_message_identifier ON tracker_message(tracker_identifier);
	CREATE INDEX IF NOT EXISTS idx_message_timestamp ON tracker_message(message_timestamp);

	-- Field translation tables, one per (identifier type, msgtype).
	CREATE TABLE IF NOT EXISTS tracker_decoder (
		identifier_type TEXT NOT NULL REFERENCES tracker_identifier_type(code),
		msgtype         TEXT NOT NULL,
		mapping         JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (identifier_type, msgtype)
	);
	`

	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS postgis`); err != nil {
		return fmt.Errorf("create postgis extension: %w", err)
	}
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// GetIdentifierType retrieves one vocabulary entry along with the groups a
// tracker should join when it gains an identifier of that type.
func (s *PostgresStore) GetIdentifierType(ctx context.Context, code string) (*TrackerIdentifierType, error) {
	var t TrackerIdentifierType
	var desc *string
	err := s.pool.QueryRow(ctx, `
		SELECT code, description FROM tracker_identifier_type WHERE code = $1
	`, strings.ToUpper(code)).Scan(&t.Code, &desc)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identifier type: %w", err)
	}
	if desc != nil {
		t.Description = *desc
	}

	rows, err := s.pool.Query(ctx, `
		SELECT group_id FROM tracker_group_identifier_type WHERE type_code = $1
	`, t.Code)
	if err != nil {
		return nil, fmt.Errorf("get type groups: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan type group: %w", err)
		}
		t.GroupIDs = append(t.GroupIDs, id)
	}
	return &t, rows.Err()
}

// GetIdentifier retrieves an identifier binding by its composite key.
func (s *PostgresStore) GetIdentifier(ctx context.Context, identkey string) (*TrackerIdentifier, error) {
	var ti TrackerIdentifier
	err := s.pool.QueryRow(ctx, `
		SELECT identkey, external_id, identifier_type, tracker_id
		FROM tracker_identifier WHERE identkey = $1
	`, strings.ToUpper(identkey)).Scan(&ti.IdentKey, &ti.ExternalID, &ti.TypeCode, &ti.TrackerID)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identifier: %w", err)
	}
	return &ti, nil
}

// ListIdentifiers returns every identifier binding. The identity cache loads
// the whole table on each refresh.
func (s *PostgresStore) ListIdentifiers(ctx context.Context) ([]TrackerIdentifier, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identkey, external_id, identifier_type, tracker_id FROM tracker_identifier
	`)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	defer rows.Close()

	var out []TrackerIdentifier
	for rows.Next() {
		var ti TrackerIdentifier
		if err := rows.Scan(&ti.IdentKey, &ti.ExternalID, &ti.TypeCode, &ti.TrackerID); err != nil {
			return nil, fmt.Errorf("scan identifier: %w", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// CreateTracker inserts a new tracker row.
func (s *PostgresStore) CreateTracker(ctx context.Context, t *Tracker) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracker (id, custom_name, icon)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
	`, t.ID, t.CustomName, t.Icon)
	if err != nil {
		return fmt.Errorf("create tracker: %w", err)
	}
	return nil
}

// CreateIdentifier inserts a new identifier binding and links the owning
// tracker into the groups associated with the identifier's type.
func (s *PostgresStore) CreateIdentifier(ctx context.Context, ti *TrackerIdentifier) error {
	ti.Normalize()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracker_identifier (identkey, external_id, identifier_type, tracker_id)
		VALUES ($1, $2, $3, $4)
	`, ti.IdentKey, ti.ExternalID, ti.TypeCode, ti.TrackerID)
	if err != nil {
		return fmt.Errorf("create identifier: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tracker_group_membership (group_id, tracker_id)
		SELECT group_id, $2 FROM tracker_group_identifier_type WHERE type_code = $1
		ON CONFLICT DO NOTHING
	`, ti.TypeCode, ti.TrackerID)
	if err != nil {
		return fmt.Errorf("link identifier groups: %w", err)
	}
	return nil
}

// InsertMessages bulk-inserts messages, silently skipping duplicate content
// hashes. At-least-once transport delivery makes replays routine.
func (s *PostgresStore) InsertMessages(ctx context.Context, msgs []TrackerMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for i := range msgs {
		m := &msgs[i]
		content, err := json.Marshal(m.Content)
		if err != nil {
			return 0, fmt.Errorf("marshal content: %w", err)
		}
		dbcall, err := json.Marshal(m.DBCall)
		if err != nil {
			return 0, fmt.Errorf("marshal dbcall: %w", err)
		}
		raw := m.Raw
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}

		var lon, lat *float64
		if m.Position != nil {
			lon, lat = &m.Position.Lon, &m.Position.Lat
		}
		var posTS *int64
		if m.PositionTimestamp != 0 {
			ts := m.PositionTimestamp
			posTS = &ts
		}

		batch.Queue(`
			INSERT INTO tracker_message
				(sha256_key, tracker_identifier, msgtype, content, dbcall, raw,
				 message_timestamp, position, position_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7,
				CASE WHEN $8::float8 IS NULL THEN NULL
				     ELSE ST_SetSRID(ST_MakePoint($8::float8, $9::float8), 4326)::geography END,
				$10)
			ON CONFLICT (sha256_key) DO NOTHING
		`, m.SHA256Key, m.IdentKey, m.MsgType, content, dbcall, raw,
			m.MessageTimestamp, lon, lat, posTS)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	stored := 0
	for range msgs {
		tag, err := br.Exec()
		if err != nil {
			return stored, fmt.Errorf("insert messages: %w", err)
		}
		stored += int(tag.RowsAffected())
	}
	return stored, nil
}

// GetTracker loads the current durable state of one tracker.
func (s *PostgresStore) GetTracker(ctx context.Context, id uuid.UUID) (*Tracker, error) {
	var t Tracker
	var customName, icon, aisType, aisName, aisCallsign *string
	var adsbType, adsbReg, adsbCallsign *string
	var lon, lat *float64
	var posTS, metaTS *int64

	err := s.pool.QueryRow(ctx, `
		SELECT id, custom_name, icon,
		       ais_type, ais_name, ais_callsign, ais_length, ais_width,
		       adsb_type, adsb_registration, adsb_callsign,
		       altitude, speed, course,
		       ST_X(position::geometry), ST_Y(position::geometry),
		       position_timestamp, meta_timestamp
		FROM tracker WHERE id = $1
	`, id).Scan(&t.ID, &customName, &icon,
		&aisType, &aisName, &aisCallsign, &t.AISLength, &t.AISWidth,
		&adsbType, &adsbReg, &adsbCallsign,
		&t.Altitude, &t.Speed, &t.Course,
		&lon, &lat, &posTS, &metaTS)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tracker: %w", err)
	}

	t.CustomName = deref(customName)
	t.Icon = deref(icon)
	t.AISType = deref(aisType)
	t.AISName = deref(aisName)
	t.AISCallsign = deref(aisCallsign)
	t.ADSBType = deref(adsbType)
	t.ADSBRegistration = deref(adsbReg)
	t.ADSBCallsign = deref(adsbCallsign)
	if lon != nil && lat != nil {
		t.Position = &Point{Lon: *lon, Lat: *lat}
	}
	if posTS != nil {
		t.PositionTimestamp = *posTS
	}
	if metaTS != nil {
		t.MetaTimestamp = *metaTS
	}
	return &t, nil
}

// BulkUpdateTrackers issues one update statement shape, batched over all
// rows sharing the same changed-column set.
func (s *PostgresStore) BulkUpdateTrackers(ctx context.Context, columns []string, updates []TrackerUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := validateColumns(columns); err != nil {
		return err
	}

	sql, argCap := buildTrackerUpdateSQL(columns)
	batch := &pgx.Batch{}
	for _, u := range updates {
		args := make([]any, 0, argCap)
		args = append(args, u.ID)
		for _, col := range columns {
			args = appendColumnArgs(args, col, u.Values[col])
		}
		batch.Queue(sql, args...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range updates {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("bulk update trackers: %w", err)
		}
	}
	return nil
}

// UpdateTracker updates a single tracker row. This is the fallback path
// when a bulk update fails.
func (s *PostgresStore) UpdateTracker(ctx context.Context, id uuid.UUID, values map[string]any) error {
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

	sql, argCap := buildTrackerUpdateSQL(columns)
	args := make([]any, 0, argCap)
	args = append(args, id)
	for _, col := range columns {
		args = appendColumnArgs(args, col, values[col])
	}
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("update tracker: %w", err)
	}
	return nil
}

// buildTrackerUpdateSQL renders the UPDATE statement for an explicit column
// list. The position column expands to a two-argument PostGIS point.
func buildTrackerUpdateSQL(columns []string) (string, int) {
	var sb strings.Builder
	sb.WriteString("UPDATE tracker SET ")
	arg := 2 // $1 is the id
	for i, col := range columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		if col == ColPosition {
			fmt.Fprintf(&sb, "position = ST_SetSRID(ST_MakePoint($%d, $%d), 4326)::geography", arg, arg+1)
			arg += 2
			continue
		}
		fmt.Fprintf(&sb, "%s = $%d", col, arg)
		arg++
	}
	sb.WriteString(" WHERE id = $1")
	return sb.String(), arg - 1
}

func appendColumnArgs(args []any, col string, value any) []any {
	if col == ColPosition {
		p, _ := value.(Point)
		return append(args, p.Lon, p.Lat)
	}
	return append(args, value)
}

// GetTranslationTable loads the field mapping for one (identifier type,
// msgtype) pair. Null targets in the stored JSON mean "known, drop" and map
// to empty strings.
func (s *PostgresStore) GetTranslationTable(ctx context.Context, typeCode, msgType string) (map[string]string, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT mapping FROM tracker_decoder WHERE identifier_type = $1 AND msgtype = $2
	`, strings.ToUpper(typeCode), msgType).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get translation table: %w", err)
	}

	var withNulls map[string]*string
	if err := json.Unmarshal(raw, &withNulls); err != nil {
		return nil, fmt.Errorf("decode translation table: %w", err)
	}
	table := make(map[string]string, len(withNulls))
	for k, v := range withNulls {
		table[k] = deref(v)
	}
	return table, nil
}

// RecordUnmappedFields merges unknown source keys into the mapping as drop
// entries so an operator can assign targets later. Existing entries win.
func (s *PostgresStore) RecordUnmappedFields(ctx context.Context, typeCode, msgType string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	additions := make(map[string]*string, len(keys))
	for _, k := range keys {
		additions[k] = nil
	}
	raw, err := json.Marshal(additions)
	if err != nil {
		return fmt.Errorf("marshal mapping additions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tracker_decoder (identifier_type, msgtype, mapping)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier_type, msgtype) DO UPDATE SET
			mapping = EXCLUDED.mapping || tracker_decoder.mapping
	`, strings.ToUpper(typeCode), msgType, raw)
	if err != nil {
		return fmt.Errorf("record unmapped fields: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
