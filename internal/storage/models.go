package storage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Point is a WGS84 position, longitude first to match the geography layer.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Tracker is one logical physical asset (vessel, vehicle, aircraft, person).
// It carries a rolling last-known state partitioned into two freshness
// groups: positional fields guarded by PositionTimestamp and everything
// else guarded by MetaTimestamp, both in ms since epoch.
type Tracker struct {
	ID         uuid.UUID `json:"id"`
	CustomName string    `json:"custom_name,omitempty"`
	Icon       string    `json:"icon,omitempty"`

	AISType     string   `json:"ais_type,omitempty"`
	AISName     string   `json:"ais_name,omitempty"`
	AISCallsign string   `json:"ais_callsign,omitempty"`
	AISLength   *float64 `json:"ais_length,omitempty"`
	AISWidth    *float64 `json:"ais_width,omitempty"`

	ADSBType         string `json:"adsb_type,omitempty"`
	ADSBRegistration string `json:"adsb_registration,omitempty"`
	ADSBCallsign     string `json:"adsb_callsign,omitempty"`

	Altitude *float64 `json:"altitude,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
	Course   *float64 `json:"course,omitempty"`
	Position *Point   `json:"position,omitempty"`

	PositionTimestamp int64 `json:"position_timestamp,omitempty"`
	MetaTimestamp     int64 `json:"meta_timestamp,omitempty"`
}

// PositionAge returns the time since the last positional update, or zero if
// the tracker has never reported a position.
func (t *Tracker) PositionAge(now time.Time) time.Duration {
	if t.PositionTimestamp == 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(t.PositionTimestamp))
}

// TrackerIdentifierType is one entry of the admin-managed identity-system
// vocabulary (MMSI, ICAO, TCUID, ...). GroupIDs lists the tracker groups a
// tracker is auto-linked to when it gains an identifier of this type.
type TrackerIdentifierType struct {
	Code        string  `json:"code"`
	Description string  `json:"description,omitempty"`
	GroupIDs    []int64 `json:"group_ids,omitempty"`
}

// TrackerIdentifier binds one external ID, under one identity type, to
// exactly one tracker. IdentKey is the derived composite key
// "<TYPE>_<EXTERNALID>", upper-cased and globally unique.
type TrackerIdentifier struct {
	IdentKey   string    `json:"identkey"`
	ExternalID string    `json:"external_id"`
	TypeCode   string    `json:"identifier_type"`
	TrackerID  uuid.UUID `json:"tracker"`
}

// IdentKeyFor builds the canonical composite key for a type + external id.
func IdentKeyFor(typeCode, externalID string) string {
	return strings.ToUpper(typeCode + "_" + externalID)
}

// Normalize uppercases the external id and derives the identkey.
func (ti *TrackerIdentifier) Normalize() {
	ti.TypeCode = strings.ToUpper(ti.TypeCode)
	ti.ExternalID = strings.ToUpper(ti.ExternalID)
	ti.IdentKey = IdentKeyFor(ti.TypeCode, ti.ExternalID)
}

// TrackerMessage is one immutable decoded inbound message. SHA256Key is the
// content hash and primary key; replays with identical content collapse to
// a single stored row.
type TrackerMessage struct {
	SHA256Key         string          `json:"sha256_key"`
	IdentKey          string          `json:"tracker_identifier"`
	MsgType           string          `json:"msgtype"`
	Content           map[string]any  `json:"content"`
	DBCall            map[string]any  `json:"dbcall,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
	MessageTimestamp  int64           `json:"message_timestamp"`
	Position          *Point          `json:"position,omitempty"`
	PositionTimestamp int64           `json:"position_timestamp,omitempty"`
}

// TrackerGroup is an administrative grouping of trackers. Membership is
// either explicit or inferred from identifier-type association; the view
// materialization over groups lives outside this service.
type TrackerGroup struct {
	ID        int64  `json:"id"`
	SmartCode string `json:"smartcode"`
	Name      string `json:"name"`
}

// TrackerUpdate is one row of a bulk tracker update: values aligned with
// the column list passed alongside.
type TrackerUpdate struct {
	ID     uuid.UUID
	Values map[string]any
}
