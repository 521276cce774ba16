// Package statebuf holds the in-memory accumulation buffers between
// message arrival and the periodic flush: per-tracker merged state and the
// append-only message queue.
package statebuf

import (
	"sync"

	"github.com/google/uuid"

	"geotracker/internal/storage"
)

// positionalKeys are the normalized field names guarded by the positional
// recency timestamp. Everything else is guarded by the meta timestamp.
var positionalKeys = map[string]bool{
	"position":           true,
	"latitude":           true,
	"longitude":          true,
	"altitude":           true,
	"speed":              true,
	"course":             true,
	"heading":            true,
	"position_timestamp": true,
}

// Pending is the accumulated not-yet-persisted state for one tracker.
type Pending struct {
	TrackerID         uuid.UUID
	Fields            map[string]any
	PositionTimestamp int64
	MetaTimestamp     int64
}

// StateBuffer merges incoming normalized field maps per tracker with
// last-writer-wins semantics, split into two independent recency groups.
// Arrival order carries no meaning across feeds, so freshness is decided
// by the message timestamps, not by who got here first.
type StateBuffer struct {
	mu sync.Mutex
	m  map[uuid.UUID]*Pending
}

// NewStateBuffer creates an empty buffer.
func NewStateBuffer() *StateBuffer {
	return &StateBuffer{m: make(map[uuid.UUID]*Pending)}
}

// Accumulate merges one message's normalized fields into the tracker's
// pending entry.
//
// A field new to the entry is accepted unconditionally. A field already
// present is overwritten only when the incoming group timestamp is at
// least the stored one; ties favor the incoming value. The stored group
// timestamps always advance to the max of old and incoming.
func (b *StateBuffer) Accumulate(trackerID uuid.UUID, fields map[string]any, positionTS, metaTS int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.m[trackerID]
	if !ok {
		merged := make(map[string]any, len(fields))
		for k, v := range fields {
			merged[k] = v
		}
		b.m[trackerID] = &Pending{
			TrackerID:         trackerID,
			Fields:            merged,
			PositionTimestamp: positionTS,
			MetaTimestamp:     metaTS,
		}
		return
	}

	acceptPos := positionTS >= p.PositionTimestamp
	acceptMeta := metaTS >= p.MetaTimestamp

	for k, v := range fields {
		if _, exists := p.Fields[k]; !exists {
			p.Fields[k] = v
			continue
		}
		if positionalKeys[k] {
			if acceptPos {
				p.Fields[k] = v
			}
			continue
		}
		if acceptMeta {
			p.Fields[k] = v
		}
	}

	if positionTS > p.PositionTimestamp {
		p.PositionTimestamp = positionTS
	}
	if metaTS > p.MetaTimestamp {
		p.MetaTimestamp = metaTS
	}
}

// DrainAll atomically swaps out and returns every pending entry. Entries
// accumulated after the swap land in the next drain.
func (b *StateBuffer) DrainAll() []*Pending {
	b.mu.Lock()
	drained := b.m
	b.m = make(map[uuid.UUID]*Pending)
	b.mu.Unlock()

	out := make([]*Pending, 0, len(drained))
	for _, p := range drained {
		out = append(out, p)
	}
	return out
}

// Len reports the number of trackers with pending state.
func (b *StateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.m)
}

// MessageBuffer is the append-only queue of decoded messages awaiting bulk
// insert. No deduplication happens here; the content-hash primary key in
// storage collapses replays at flush time.
type MessageBuffer struct {
	mu   sync.Mutex
	msgs []storage.TrackerMessage
}

// NewMessageBuffer creates an empty queue.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{}
}

// Enqueue appends one message.
func (b *MessageBuffer) Enqueue(msg storage.TrackerMessage) {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
}

// DrainAll atomically swaps out and returns the queued messages in arrival
// order.
func (b *MessageBuffer) DrainAll() []storage.TrackerMessage {
	b.mu.Lock()
	drained := b.msgs
	b.msgs = nil
	b.mu.Unlock()
	return drained
}

// Len reports the number of queued messages.
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}
