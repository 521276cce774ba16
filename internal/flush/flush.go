// Package flush drains the in-memory buffers to durable storage on a
// fixed interval: bulk message inserts first, then grouped tracker state
// updates.
package flush

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"geotracker/internal/statebuf"
	"geotracker/internal/storage"
)

// DefaultInterval is the flush tick period.
const DefaultInterval = 15 * time.Second

// Archiver receives each successfully inserted message batch for long-term
// retention. Archive failures never block the relational flush.
type Archiver interface {
	ArchiveMessages(ctx context.Context, msgs []storage.TrackerMessage) error
}

// Scheduler runs the periodic drain-and-persist cycle.
type Scheduler struct {
	store    storage.Store
	archive  Archiver
	states   *statebuf.StateBuffer
	messages *statebuf.MessageBuffer
	interval time.Duration
	log      zerolog.Logger
}

// NewScheduler creates a scheduler over the given store and buffers. A
// non-positive interval falls back to DefaultInterval.
func NewScheduler(store storage.Store, states *statebuf.StateBuffer, messages *statebuf.MessageBuffer, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    store,
		states:   states,
		messages: messages,
		interval: interval,
		log:      log.With().Str("component", "flush").Logger(),
	}
}

// WithArchive attaches an optional archive sink.
func (s *Scheduler) WithArchive(a Archiver) *Scheduler {
	s.archive = a
	return s
}

// Run flushes on every interval tick until the context is cancelled, then
// performs one final drain-and-persist so buffered state survives a
// graceful shutdown.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), s.interval)
			s.Flush(final)
			cancel()
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush drains both buffers and persists their contents. Failures are
// logged, never returned: state drained for this tick is persisted or
// retried per-record, and state arriving after the drain swap waits for
// the next tick.
func (s *Scheduler) Flush(ctx context.Context) {
	s.flushMessages(ctx)
	s.flushStates(ctx)
}

func (s *Scheduler) flushMessages(ctx context.Context) {
	msgs := s.messages.DrainAll()
	if len(msgs) == 0 {
		return
	}

	stored, err := s.store.InsertMessages(ctx, msgs)
	if err != nil {
		s.log.Warn().Err(err).Int("messages", len(msgs)).
			Msg("bulk message insert failed, falling back to per-record saves")

		stored = 0
		for i := range msgs {
			n, err := s.store.InsertMessages(ctx, msgs[i:i+1])
			if err != nil {
				s.log.Error().Err(err).Str("sha256_key", msgs[i].SHA256Key).Msg("message insert failed")
				continue
			}
			stored += n
		}
	}
	s.log.Debug().Int("messages", len(msgs)).Int("stored", stored).Msg("messages flushed")

	if s.archive != nil {
		if err := s.archive.ArchiveMessages(ctx, msgs); err != nil {
			s.log.Warn().Err(err).Int("messages", len(msgs)).Msg("archive forward failed")
		}
	}
}

func (s *Scheduler) flushStates(ctx context.Context) {
	pending := s.states.DrainAll()
	if len(pending) == 0 {
		return
	}

	// Group trackers by the exact set of changed columns so each group
	// becomes one bulk statement with a fixed column list.
	type group struct {
		columns []string
		updates []storage.TrackerUpdate
	}
	groups := make(map[string]*group)

	for _, p := range pending {
		cur, err := s.store.GetTracker(ctx, p.TrackerID)
		if err != nil {
			s.log.Error().Err(err).Str("tracker", p.TrackerID.String()).Msg("load tracker failed")
			continue
		}

		values := diffTracker(cur, p)
		if len(values) == 0 {
			continue
		}

		columns := make([]string, 0, len(values))
		for col := range values {
			columns = append(columns, col)
		}
		sort.Strings(columns)
		key := strings.Join(columns, ",")

		g, ok := groups[key]
		if !ok {
			g = &group{columns: columns}
			groups[key] = g
		}
		g.updates = append(g.updates, storage.TrackerUpdate{ID: p.TrackerID, Values: values})
	}

	updated := 0
	for key, g := range groups {
		err := s.store.BulkUpdateTrackers(ctx, g.columns, g.updates)
		if err == nil {
			updated += len(g.updates)
			continue
		}
		s.log.Warn().Err(err).Str("columns", key).Int("trackers", len(g.updates)).
			Msg("bulk update failed, falling back to per-record saves")

		for _, u := range g.updates {
			if err := s.store.UpdateTracker(ctx, u.ID, u.Values); err != nil {
				s.log.Error().Err(err).Str("tracker", u.ID.String()).Msg("tracker update failed")
				continue
			}
			updated++
		}
	}

	s.log.Debug().Int("pending", len(pending)).Int("updated", updated).Msg("state flushed")
}

// diffTracker computes the column values to write for one pending entry
// against the current durable row. custom_name and icon are fill-only:
// they are user-curated, so a decoder's guess never overwrites a value an
// operator has set. Positional and meta fields are guarded by their group
// timestamps against state persisted by an earlier tick or process.
func diffTracker(cur *storage.Tracker, p *statebuf.Pending) map[string]any {
	f := storage.FieldsFromMap(p.Fields)
	values := make(map[string]any)

	acceptPos := p.PositionTimestamp >= cur.PositionTimestamp
	acceptMeta := p.MetaTimestamp >= cur.MetaTimestamp

	if acceptMeta {
		fillString(values, storage.ColCustomName, f.CustomName, cur.CustomName)
		fillString(values, storage.ColIcon, f.Icon, cur.Icon)

		setString(values, storage.ColAISType, f.AISType, cur.AISType)
		setString(values, storage.ColAISName, f.AISName, cur.AISName)
		setString(values, storage.ColAISCallsign, f.AISCallsign, cur.AISCallsign)
		setFloat(values, storage.ColAISLength, f.AISLength, cur.AISLength)
		setFloat(values, storage.ColAISWidth, f.AISWidth, cur.AISWidth)

		setString(values, storage.ColADSBType, f.ADSBType, cur.ADSBType)
		setString(values, storage.ColADSBRegistration, f.ADSBRegistration, cur.ADSBRegistration)
		setString(values, storage.ColADSBCallsign, f.ADSBCallsign, cur.ADSBCallsign)
	}

	if acceptPos {
		setFloat(values, storage.ColAltitude, f.Altitude, cur.Altitude)
		setFloat(values, storage.ColSpeed, f.Speed, cur.Speed)
		setFloat(values, storage.ColCourse, f.Course, cur.Course)

		if pos := f.Position(); pos != nil {
			if cur.Position == nil || *cur.Position != *pos {
				values[storage.ColPosition] = *pos
			}
		}
	}

	// Timestamps alone are not worth a write.
	if len(values) == 0 {
		return nil
	}
	if p.PositionTimestamp > cur.PositionTimestamp {
		values[storage.ColPositionTimestamp] = p.PositionTimestamp
	}
	if p.MetaTimestamp > cur.MetaTimestamp {
		values[storage.ColMetaTimestamp] = p.MetaTimestamp
	}
	return values
}

func fillString(values map[string]any, col string, incoming *string, current string) {
	if incoming != nil && current == "" && *incoming != "" {
		values[col] = *incoming
	}
}

func setString(values map[string]any, col string, incoming *string, current string) {
	if incoming != nil && *incoming != current {
		values[col] = *incoming
	}
}

func setFloat(values map[string]any, col string, incoming, current *float64) {
	if incoming != nil && (current == nil || *incoming != *current) {
		values[col] = *incoming
	}
}
