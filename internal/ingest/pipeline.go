// Package ingest wires the ingestion pipeline: envelope decoding, identity
// resolution, field normalization and buffer accumulation, plus the NATS
// subscription feeding it.
package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geotracker/internal/envelope"
	"geotracker/internal/fieldmap"
	"geotracker/internal/identity"
	"geotracker/internal/statebuf"
	"geotracker/internal/storage"
)

// tableTTL bounds how long a translation table is served from memory
// before re-reading storage, so admin mapping edits take effect without a
// restart.
const tableTTL = 60 * time.Second

// Pipeline processes decoded inbound messages. Process is safe for
// concurrent use: transports may deliver from any number of goroutines.
type Pipeline struct {
	store    storage.Store
	resolver *identity.Resolver
	states   *statebuf.StateBuffer
	messages *statebuf.MessageBuffer
	log      zerolog.Logger

	tableMu sync.RWMutex
	tables  map[string]tableEntry
}

type tableEntry struct {
	table    fieldmap.Translation
	loadedAt time.Time
}

// NewPipeline creates a pipeline over the given collaborators.
func NewPipeline(store storage.Store, resolver *identity.Resolver, states *statebuf.StateBuffer, messages *statebuf.MessageBuffer, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		resolver: resolver,
		states:   states,
		messages: messages,
		log:      log.With().Str("component", "ingest").Logger(),
		tables:   make(map[string]tableEntry),
	}
}

// Process decodes one transport payload and runs it through the pipeline.
// Malformed payloads are dropped with a warning; processing failures are
// logged and the message dropped, since resolution is idempotent and the
// next message for the same asset retries naturally.
func (p *Pipeline) Process(ctx context.Context, payload []byte) {
	env, err := envelope.Decode(payload)
	if err != nil {
		p.log.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}
	if err := p.Handle(ctx, env); err != nil {
		p.log.Warn().Err(err).Str("msghash", env.MsgHash).Msg("dropping message")
	}
}

// Handle runs one validated envelope through identity resolution, field
// normalization and buffer accumulation.
func (p *Pipeline) Handle(ctx context.Context, env *envelope.Envelope) error {
	if env.Identity.Empty() {
		return identity.ErrNoIdentity
	}

	ident, err := p.resolver.Resolve(ctx, identity.Query{
		DeclaredKey:        env.Identity.IdentKey,
		DeclaredType:       env.Identity.IdentType,
		DeclaredExternalID: env.Identity.IdentID,
		VendorUniqueID:     env.Identity.TCUniqueID,
	})
	if err != nil {
		return err
	}

	table, err := p.translationTable(ctx, ident.TypeCode, env.MsgType)
	if err != nil {
		return err
	}

	normalized, unmapped := fieldmap.Remap(env.Data, table)
	if len(unmapped) > 0 {
		p.reportUnmapped(ctx, ident.TypeCode, env.MsgType, unmapped)
	}

	positionTS := timestampField(normalized, storage.ColPositionTimestamp, env.Received)
	metaTS := timestampField(normalized, storage.ColMetaTimestamp, env.Received)

	fields := storage.FieldsFromMap(normalized)
	pos := fields.Position()
	msgPosTS := int64(0)
	if pos != nil {
		msgPosTS = positionTS
	}

	p.messages.Enqueue(storage.TrackerMessage{
		SHA256Key:         env.MsgHash,
		IdentKey:          ident.IdentKey,
		MsgType:           env.MsgType,
		Content:           env.Data,
		DBCall:            normalized,
		Raw:               env.Raw,
		MessageTimestamp:  env.Received,
		Position:          pos,
		PositionTimestamp: msgPosTS,
	})
	p.states.Accumulate(ident.TrackerID, normalized, positionTS, metaTS)
	return nil
}

// translationTable loads the (identifier type, msgtype) mapping with a
// short-lived in-memory cache. A missing table is an empty table: every
// source key will be reported unmapped and a decoder row auto-created.
func (p *Pipeline) translationTable(ctx context.Context, typeCode, msgType string) (fieldmap.Translation, error) {
	key := strings.ToUpper(typeCode) + "|" + msgType

	p.tableMu.RLock()
	entry, ok := p.tables[key]
	p.tableMu.RUnlock()
	if ok && time.Since(entry.loadedAt) < tableTTL {
		return entry.table, nil
	}

	table, err := p.store.GetTranslationTable(ctx, typeCode, msgType)
	if errors.Is(err, storage.ErrNotFound) {
		table = map[string]string{}
	} else if err != nil {
		return nil, err
	}

	p.tableMu.Lock()
	p.tables[key] = tableEntry{table: table, loadedAt: time.Now()}
	p.tableMu.Unlock()
	return table, nil
}

// reportUnmapped registers unknown source keys as drop entries and extends
// the cached table so the same keys are not re-reported until the TTL
// expires.
func (p *Pipeline) reportUnmapped(ctx context.Context, typeCode, msgType string, keys []string) {
	if err := p.store.RecordUnmappedFields(ctx, typeCode, msgType, keys); err != nil {
		p.log.Warn().Err(err).Str("type", typeCode).Str("msgtype", msgType).
			Msg("recording unmapped fields failed")
		return
	}
	p.log.Info().Str("type", typeCode).Str("msgtype", msgType).
		Strs("fields", keys).Msg("unmapped source fields recorded")

	cacheKey := strings.ToUpper(typeCode) + "|" + msgType
	p.tableMu.Lock()
	if entry, ok := p.tables[cacheKey]; ok {
		extended := make(fieldmap.Translation, len(entry.table)+len(keys))
		for k, v := range entry.table {
			extended[k] = v
		}
		for _, k := range keys {
			if _, exists := extended[k]; !exists {
				extended[k] = ""
			}
		}
		p.tables[cacheKey] = tableEntry{table: extended, loadedAt: entry.loadedAt}
	}
	p.tableMu.Unlock()
}

// timestampField reads an explicit group timestamp from the normalized
// fields, falling back to the envelope's received time.
func timestampField(normalized map[string]any, key string, fallback int64) int64 {
	v, ok := normalized[key]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	default:
		return fallback
	}
}
