// Package storage provides durable persistence for trackers, identifiers
// and messages, with a PostgreSQL/PostGIS implementation for production and
// an embedded SQLite implementation for single-node deployments.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store is the durable backend consumed by the identity resolver, the
// identity cache refresher and the flush scheduler.
type Store interface {
	// Identity vocabulary and bindings.
	GetIdentifierType(ctx context.Context, code string) (*TrackerIdentifierType, error)
	GetIdentifier(ctx context.Context, identkey string) (*TrackerIdentifier, error)
	ListIdentifiers(ctx context.Context) ([]TrackerIdentifier, error)
	CreateTracker(ctx context.Context, t *Tracker) error
	// CreateIdentifier normalizes the identifier, inserts it, and links the
	// owning tracker to every group associated with the identifier's type.
	CreateIdentifier(ctx context.Context, ti *TrackerIdentifier) error

	// Messages: bulk insert with duplicate-primary-key conflicts silently
	// ignored. Returns the number of rows actually stored.
	InsertMessages(ctx context.Context, msgs []TrackerMessage) (int, error)

	// Tracker state.
	GetTracker(ctx context.Context, id uuid.UUID) (*Tracker, error)
	// BulkUpdateTrackers applies the same column list to every update row.
	BulkUpdateTrackers(ctx context.Context, columns []string, updates []TrackerUpdate) error
	// UpdateTracker is the per-record fallback when a bulk update fails.
	UpdateTracker(ctx context.Context, id uuid.UUID, values map[string]any) error

	// Translation tables, per (identifier type, message type).
	GetTranslationTable(ctx context.Context, typeCode, msgType string) (map[string]string, error)
	// RecordUnmappedFields registers source keys with no known mapping as
	// empty (drop) entries for the admin to fill in later.
	RecordUnmappedFields(ctx context.Context, typeCode, msgType string, keys []string) error

	Close() error
}

// updatableColumns is the whitelist for bulk/fallback tracker updates.
// Column names never come from message content, but updates interpolate
// them into SQL, so they are validated regardless.
var updatableColumns = map[string]bool{
	ColCustomName:        true,
	ColIcon:              true,
	ColAISType:           true,
	ColAISName:           true,
	ColAISCallsign:       true,
	ColAISLength:         true,
	ColAISWidth:          true,
	ColADSBType:          true,
	ColADSBRegistration:  true,
	ColADSBCallsign:      true,
	ColAltitude:          true,
	ColSpeed:             true,
	ColCourse:            true,
	ColPosition:          true,
	ColPositionTimestamp: true,
	ColMetaTimestamp:     true,
}

func validateColumns(columns []string) error {
	for _, c := range columns {
		if !updatableColumns[c] {
			return errors.New("invalid tracker column: " + c)
		}
	}
	return nil
}
