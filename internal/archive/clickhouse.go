// Package archive forwards flushed message batches to a ClickHouse sink
// for long-term analytical retention. The relational store stays the
// source of truth; the archive is best-effort.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"geotracker/internal/storage"
)

// Config holds ClickHouse connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouse archives tracker messages into a ReplacingMergeTree keyed by
// content hash, so replayed batches collapse at merge time.
type ClickHouse struct {
	conn driver.Conn
}

// Open opens a connection to ClickHouse and verifies it.
func Open(ctx context.Context, cfg Config) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouse{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

// CreateSchema creates the archive table.
func (c *ClickHouse) CreateSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS tracker_messages (
		sha256_key          String,
		tracker_identifier  LowCardinality(String),
		msgtype             LowCardinality(String),
		content             String,
		dbcall              String,
		raw                 String,
		message_timestamp   DateTime64(3),
		lon                 Nullable(Float64),
		lat                 Nullable(Float64),
		position_timestamp  Nullable(DateTime64(3)),
		archived_at         DateTime64(3) DEFAULT now64(3)
	)
	ENGINE = ReplacingMergeTree(archived_at)
	PARTITION BY toYYYYMM(message_timestamp)
	ORDER BY (tracker_identifier, message_timestamp, sha256_key)
	SETTINGS index_granularity = 8192`

	if err := c.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create archive schema: %w", err)
	}
	return nil
}

// ArchiveMessages appends one flushed batch.
func (c *ClickHouse) ArchiveMessages(ctx context.Context, msgs []storage.TrackerMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO tracker_messages (sha256_key, tracker_identifier, msgtype, content, dbcall, raw, message_timestamp, lon, lat, position_timestamp)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for i := range msgs {
		m := &msgs[i]
		content, err := json.Marshal(m.Content)
		if err != nil {
			return fmt.Errorf("marshal content: %w", err)
		}
		dbcall, err := json.Marshal(m.DBCall)
		if err != nil {
			return fmt.Errorf("marshal dbcall: %w", err)
		}
		raw := "null"
		if len(m.Raw) > 0 {
			raw = string(m.Raw)
		}

		var lon, lat *float64
		if m.Position != nil {
			lon, lat = &m.Position.Lon, &m.Position.Lat
		}
		var posTS *time.Time
		if m.PositionTimestamp != 0 {
			t := time.UnixMilli(m.PositionTimestamp).UTC()
			posTS = &t
		}

		err = batch.Append(m.SHA256Key, m.IdentKey, m.MsgType, string(content), string(dbcall), raw,
			time.UnixMilli(m.MessageTimestamp).UTC(), lon, lat, posTS)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}
