// Package envelope defines the inbound message envelope: the single wire
// contract between the per-protocol decoders and the ingestion pipeline.
// Whatever the upstream source looks like (NMEA socket, AIS cloud stream,
// fleet-vendor WebSocket), the decoder side fully absorbs it before this
// boundary.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Identity carries the candidate external identifiers declared by one
// message. A message may declare a native identity (type + external id),
// a vendor-unique alias, or both.
type Identity struct {
	IdentKey   string `json:"identkey,omitempty"`
	IdentType  string `json:"identtype,omitempty"`
	IdentID    string `json:"identid,omitempty"`
	TCUniqueID string `json:"tcUniqueId,omitempty"`
}

// Empty reports whether the identity declares no usable identifier at all.
func (id Identity) Empty() bool {
	return id.IdentKey == "" && (id.IdentType == "" || id.IdentID == "") && id.TCUniqueID == ""
}

// Envelope is one decoded inbound message as delivered by the transport.
type Envelope struct {
	Raw      json.RawMessage `json:"raw"`
	MsgType  string          `json:"msgtype"`
	MsgHash  string          `json:"msghash"`
	Received int64           `json:"received"` // ms since epoch
	Gateway  string          `json:"gateway,omitempty"`
	Identity *Identity       `json:"identity"`
	Data     map[string]any  `json:"data"`
}

// ErrMalformed marks an envelope missing one of the required top-level
// fields. Such envelopes are dropped with a warning and never retried.
var ErrMalformed = errors.New("malformed envelope")

// Validate checks the required fields of the wire contract.
func (e *Envelope) Validate() error {
	switch {
	case e.MsgHash == "":
		return fmt.Errorf("%w: missing msghash", ErrMalformed)
	case e.Received == 0:
		return fmt.Errorf("%w: missing received timestamp", ErrMalformed)
	case e.Identity == nil:
		return fmt.Errorf("%w: missing identity", ErrMalformed)
	}
	return nil
}

// Decode parses a transport payload into an Envelope and validates it.
func Decode(payload []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	e.MsgType = strings.TrimSpace(e.MsgType)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
