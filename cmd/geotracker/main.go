// Package main runs the tracker ingestion daemon.
//
// The daemon subscribes to the decoded-message subject on NATS, resolves
// each message's identity to a tracker, merges its fields into the
// in-memory state buffer and periodically flushes buffered messages and
// state to durable storage. An optional ClickHouse sink archives every
// stored message batch for analytics.
//
// Usage:
//
//	geotracker [options]
//
// Options:
//
//	-db TYPE            Storage backend: postgres or sqlite (default: postgres, env: DB_TYPE)
//	-sqlite-path PATH   SQLite database path (default: geotracker.db, env: SQLITE_PATH)
//	-pg-host HOST       PostgreSQL host (default: localhost, env: POSTGRES_HOST)
//	-pg-port PORT       PostgreSQL port (default: 5432, env: POSTGRES_PORT)
//	-pg-database DB     PostgreSQL database (default: geotracker, env: POSTGRES_DATABASE)
//	-pg-user USER       PostgreSQL user (default: geotracker, env: POSTGRES_USER)
//	-pg-password PASS   PostgreSQL password (default: geotracker, env: POSTGRES_PASSWORD)
//	-nats-url URL       NATS server URL (default: nats://localhost:4222, env: NATS_URL)
//	-nats-subject SUBJ  Subject with decoded envelopes (default: tracker.messages, env: NATS_SUBJECT)
//	-nats-queue GROUP   Queue group name (default: geotracker, env: NATS_QUEUE)
//	-clickhouse         Enable the ClickHouse message archive
//	-ch-host HOST       ClickHouse host (default: localhost, env: CLICKHOUSE_HOST)
//	-ch-port PORT       ClickHouse port (default: 9000, env: CLICKHOUSE_PORT)
//	-ch-database DB     ClickHouse database (default: geotracker, env: CLICKHOUSE_DATABASE)
//	-ch-user USER       ClickHouse user (default: default, env: CLICKHOUSE_USER)
//	-ch-password PASS   ClickHouse password (default: empty, env: CLICKHOUSE_PASSWORD)
//	-flush-interval D   Buffer flush interval (default: 15s)
//	-cache-interval D   Identity cache refresh interval (default: 60s)
//	-log-level LEVEL    zerolog level: debug, info, warn, error (default: info)
//	-create-schema      Create database schemas and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"geotracker/internal/archive"
	"geotracker/internal/flush"
	"geotracker/internal/identity"
	"geotracker/internal/ingest"
	"geotracker/internal/statebuf"
	"geotracker/internal/storage"
)

// decomposeTable rewrites embedded-identity prefixes found inside vendor
// unique ids to their native identifier-type codes.
var decomposeTable = map[string]string{
	"ADSB": "ICAO",
}

func main() {
	dbType := flag.String("db", envOrDefault("DB_TYPE", "postgres"), "Storage backend: postgres or sqlite")
	sqlitePath := flag.String("sqlite-path", envOrDefault("SQLITE_PATH", "geotracker.db"), "SQLite database path")

	pgHost := flag.String("pg-host", envOrDefault("POSTGRES_HOST", "localhost"), "PostgreSQL host")
	pgPort := flag.Int("pg-port", envOrDefaultInt("POSTGRES_PORT", 5432), "PostgreSQL port")
	pgUser := flag.String("pg-user", envOrDefault("POSTGRES_USER", "geotracker"), "PostgreSQL user")
	pgPassword := flag.String("pg-password", envOrDefault("POSTGRES_PASSWORD", "geotracker"), "PostgreSQL password")
	pgDB := flag.String("pg-database", envOrDefault("POSTGRES_DATABASE", "geotracker"), "PostgreSQL database")

	natsURL := flag.String("nats-url", envOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	natsSubject := flag.String("nats-subject", envOrDefault("NATS_SUBJECT", "tracker.messages"), "NATS subject with decoded envelopes")
	natsQueue := flag.String("nats-queue", envOrDefault("NATS_QUEUE", "geotracker"), "NATS queue group")

	chEnabled := flag.Bool("clickhouse", false, "Enable the ClickHouse message archive")
	chHost := flag.String("ch-host", envOrDefault("CLICKHOUSE_HOST", "localhost"), "ClickHouse host")
	chPort := flag.Int("ch-port", envOrDefaultInt("CLICKHOUSE_PORT", 9000), "ClickHouse port")
	chUser := flag.String("ch-user", envOrDefault("CLICKHOUSE_USER", "default"), "ClickHouse user")
	chPassword := flag.String("ch-password", envOrDefault("CLICKHOUSE_PASSWORD", ""), "ClickHouse password")
	chDB := flag.String("ch-database", envOrDefault("CLICKHOUSE_DATABASE", "geotracker"), "ClickHouse database")

	flushInterval := flag.Duration("flush-interval", flush.DefaultInterval, "Buffer flush interval")
	cacheInterval := flag.Duration("cache-interval", identity.DefaultRefreshInterval, "Identity cache refresh interval")
	logLevel := flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	createSchema := flag.Bool("create-schema", false, "Create database schemas and exit")

	flag.Parse()

	log := newLogger(*logLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, *dbType, *sqlitePath, storage.PostgresConfig{
		Host:     *pgHost,
		Port:     *pgPort,
		Database: *pgDB,
		User:     *pgUser,
		Password: *pgPassword,
	}, *createSchema)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer func() { _ = store.Close() }()

	var sink flush.Archiver
	if *chEnabled {
		ch, err := archive.Open(ctx, archive.Config{
			Host:     *chHost,
			Port:     *chPort,
			Database: *chDB,
			User:     *chUser,
			Password: *chPassword,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("open clickhouse archive")
		}
		defer func() { _ = ch.Close() }()
		if *createSchema {
			if err := ch.CreateSchema(ctx); err != nil {
				log.Fatal().Err(err).Msg("create archive schema")
			}
		}
		sink = ch
	}

	if *createSchema {
		log.Info().Msg("schemas created")
		return
	}

	states := statebuf.NewStateBuffer()
	messages := statebuf.NewMessageBuffer()
	cache := identity.NewCache(store, *cacheInterval, log)
	resolver := identity.NewResolver(store, cache, decomposeTable, log)
	pipeline := ingest.NewPipeline(store, resolver, states, messages, log)
	scheduler := flush.NewScheduler(store, states, messages, *flushInterval, log)
	if sink != nil {
		scheduler.WithArchive(sink)
	}
	consumer := ingest.NewConsumer(ingest.ConsumerConfig{
		URL:        *natsURL,
		Subject:    *natsSubject,
		QueueGroup: *natsQueue,
	}, pipeline, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cache.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	log.Info().Str("db", *dbType).Str("subject", *natsSubject).Msg("geotracker started")

	if err := consumer.Run(ctx); err != nil {
		log.Error().Err(err).Msg("consumer stopped")
		stop()
	}

	// The flush scheduler performs the final drain-and-persist on its way
	// out; wait for it before closing the store.
	wg.Wait()
	log.Info().Msg("geotracker stopped")
}

func openStore(ctx context.Context, dbType, sqlitePath string, pg storage.PostgresConfig, createSchema bool) (storage.Store, error) {
	switch dbType {
	case "postgres":
		store, err := storage.OpenPostgres(ctx, pg)
		if err != nil {
			return nil, err
		}
		if createSchema {
			if err := store.CreateSchema(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil
	case "sqlite":
		return storage.OpenSQLite(sqlitePath)
	default:
		return nil, fmt.Errorf("unknown db type %q", dbType)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
