package fieldmap

import (
	"reflect"
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	data := map[string]any{
		"speed": 12.5,
		"attributes": map[string]any{
			"ignition": true,
			"sensors": []any{
				map[string]any{"temp": 4.0},
				map[string]any{"temp": 7.0},
			},
		},
	}

	flat := Flatten(data)

	want := map[string]any{
		"speed":                      12.5,
		"attributes.ignition":        true,
		"attributes.sensors[0].temp": 4.0,
		"attributes.sensors[1].temp": 7.0,
	}
	if !reflect.DeepEqual(flat, want) {
		t.Errorf("Flatten = %v, want %v", flat, want)
	}
}

func TestFlatten_Scalars(t *testing.T) {
	flat := Flatten(map[string]any{"a": 1, "b": "x"})
	if len(flat) != 2 {
		t.Fatalf("len = %d, want 2", len(flat))
	}
	if flat["a"] != 1 || flat["b"] != "x" {
		t.Errorf("Flatten = %v", flat)
	}
}

func TestRemap(t *testing.T) {
	data := map[string]any{
		"sog":      14.2,
		"shipname": "EVER GIVEN",
		"noise":    "ignore me",
		"mystery":  1,
	}
	table := Translation{
		"sog":      "speed",
		"shipname": "ais_name",
		"noise":    "", // known, intentionally dropped
	}

	normalized, unmapped := Remap(data, table)

	want := map[string]any{
		"speed":    14.2,
		"ais_name": "EVER GIVEN",
	}
	if !reflect.DeepEqual(normalized, want) {
		t.Errorf("normalized = %v, want %v", normalized, want)
	}
	if len(unmapped) != 1 || unmapped[0] != "mystery" {
		t.Errorf("unmapped = %v, want [mystery]", unmapped)
	}
}

func TestRemap_DropsEmptyValues(t *testing.T) {
	data := map[string]any{
		"callsign": "",
		"course":   nil,
		"speed":    0.0,
	}
	table := Translation{
		"callsign": "ais_callsign",
		"course":   "course",
		"speed":    "speed",
	}

	normalized, unmapped := Remap(data, table)

	if len(unmapped) != 0 {
		t.Errorf("unmapped = %v, want none", unmapped)
	}
	if _, ok := normalized["ais_callsign"]; ok {
		t.Error("empty string value should be dropped")
	}
	if _, ok := normalized["course"]; ok {
		t.Error("nil value should be dropped")
	}
	// Zero is a real value, not an absence.
	if normalized["speed"] != 0.0 {
		t.Errorf("speed = %v, want 0", normalized["speed"])
	}
}

func TestRemap_EmptyResultIsValid(t *testing.T) {
	normalized, unmapped := Remap(map[string]any{"x": 1}, Translation{"x": ""})
	if len(normalized) != 0 {
		t.Errorf("normalized = %v, want empty", normalized)
	}
	if len(unmapped) != 0 {
		t.Errorf("unmapped = %v, want none", unmapped)
	}
}

func TestContentHash_Stable(t *testing.T) {
	a := map[string]any{"lat": 52.1, "lon": 4.3, "name": "test"}
	b := map[string]any{"name": "test", "lon": 4.3, "lat": 52.1}

	ha, hb := ContentHash(a), ContentHash(b)
	if ha != hb {
		t.Errorf("same content hashed differently: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(ha))
	}

	c := map[string]any{"lat": 52.1, "lon": 4.3, "name": "other"}
	if ContentHash(c) == ha {
		t.Error("different content produced the same hash")
	}
}
