package envelope

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	payload := []byte(`{
		"raw": {"nmea": "!AIVDM,1,1,,A,13aEOK?P00PD2wVMdLDRhgvL289?,0*26"},
		"msgtype": "ais_position",
		"msghash": "abc123",
		"received": 1724900000000,
		"gateway": "nmea-gw-1",
		"identity": {"identtype": "AIS", "identid": "244660000"},
		"data": {"sog": 10.2}
	}`)

	env, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.MsgType != "ais_position" {
		t.Errorf("MsgType = %q, want %q", env.MsgType, "ais_position")
	}
	if env.MsgHash != "abc123" {
		t.Errorf("MsgHash = %q, want %q", env.MsgHash, "abc123")
	}
	if env.Received != 1724900000000 {
		t.Errorf("Received = %d", env.Received)
	}
	if env.Identity.IdentType != "AIS" || env.Identity.IdentID != "244660000" {
		t.Errorf("Identity = %+v", env.Identity)
	}
	if env.Data["sog"] != 10.2 {
		t.Errorf("Data[sog] = %v, want 10.2", env.Data["sog"])
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", `{{{`},
		{"missing msghash", `{"received": 1, "identity": {}}`},
		{"missing received", `{"msghash": "x", "identity": {}}`},
		{"missing identity", `{"msghash": "x", "received": 1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.payload))
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestIdentity_Empty(t *testing.T) {
	cases := []struct {
		name string
		id   Identity
		want bool
	}{
		{"all empty", Identity{}, true},
		{"type without id", Identity{IdentType: "AIS"}, true},
		{"type and id", Identity{IdentType: "AIS", IdentID: "123"}, false},
		{"prebuilt key", Identity{IdentKey: "AIS_123"}, false},
		{"vendor only", Identity{TCUniqueID: "ICAO-ABCDEF"}, false},
	}
	for _, tc := range cases {
		if got := tc.id.Empty(); got != tc.want {
			t.Errorf("%s: Empty() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
