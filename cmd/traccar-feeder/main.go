// Package main runs the fleet-vendor feeder.
//
// It logs into a Traccar server over REST, opens the server's WebSocket
// event stream, and republishes every position and device update as a
// decoded message envelope on NATS for the ingestion daemon. Positions
// carry the owning device's vendor unique id so the resolver can alias
// them onto trackers.
//
// Usage:
//
//	traccar-feeder [options]
//
// Options:
//
//	-traccar-url URL    Traccar base URL (default: http://localhost:8082, env: TRACCAR_URL)
//	-traccar-user USER  Traccar account email (env: TRACCAR_USER)
//	-traccar-password P Traccar account password (env: TRACCAR_PASSWORD)
//	-nats-url URL       NATS server URL (default: nats://localhost:4222, env: NATS_URL)
//	-nats-subject SUBJ  Publish subject (default: tracker.messages, env: NATS_SUBJECT)
//	-session-ttl D      Reconnect and refresh the session after this long (default: 5m)
//	-log-level LEVEL    zerolog level (default: info)
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"geotracker/internal/envelope"
	"geotracker/internal/fieldmap"
)

func main() {
	traccarURL := flag.String("traccar-url", envOrDefault("TRACCAR_URL", "http://localhost:8082"), "Traccar base URL")
	traccarUser := flag.String("traccar-user", envOrDefault("TRACCAR_USER", ""), "Traccar account email")
	traccarPassword := flag.String("traccar-password", envOrDefault("TRACCAR_PASSWORD", ""), "Traccar account password")
	natsURL := flag.String("nats-url", envOrDefault("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	natsSubject := flag.String("nats-subject", envOrDefault("NATS_SUBJECT", "tracker.messages"), "Publish subject")
	sessionTTL := flag.Duration("session-ttl", 5*time.Minute, "Reconnect and refresh the session after this long")
	logLevel := flag.String("log-level", envOrDefault("LOG_LEVEL", "info"), "Log level")

	flag.Parse()

	log := newLogger(*logLevel)
	if *traccarUser == "" || *traccarPassword == "" {
		log.Fatal().Msg("traccar credentials required (-traccar-user / -traccar-password)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(*natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to nats")
	}
	defer nc.Close()

	feeder := &feeder{
		baseURL:  strings.TrimRight(*traccarURL, "/"),
		user:     *traccarUser,
		password: *traccarPassword,
		publish: func(data []byte) error {
			return nc.Publish(*natsSubject, data)
		},
		log: log,
	}

	// The vendor stream degrades silently over long sessions, so tear the
	// whole session down and rebuild it on a fixed cycle.
	for ctx.Err() == nil {
		if err := feeder.runSession(ctx, *sessionTTL); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("session ended, reconnecting")
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}

	log.Info().Msg("traccar-feeder stopped")
}

type feeder struct {
	baseURL  string
	user     string
	password string
	publish  func([]byte) error
	log      zerolog.Logger
}

// streamFrame is one WebSocket frame from the Traccar event socket.
type streamFrame struct {
	Positions []map[string]any `json:"positions"`
	Devices   []map[string]any `json:"devices"`
}

// runSession logs in, loads the device table, streams events until the TTL
// elapses, the stream breaks or the context is cancelled.
func (f *feeder) runSession(ctx context.Context, ttl time.Duration) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("cookie jar: %w", err)
	}
	client := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	if err := f.login(ctx, client); err != nil {
		return err
	}

	devices, err := f.fetchDevices(ctx, client)
	if err != nil {
		return err
	}
	f.log.Info().Int("devices", len(devices)).Msg("session established")

	// Seed the ingestion side with the current device metadata; position
	// frames reference devices by numeric id only.
	for _, d := range devices {
		f.publishEnvelope("tc_device", d, uniqueIDOf(d))
	}

	conn, err := f.dialSocket(jar)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	deadline := time.NewTimer(ttl)
	defer deadline.Stop()
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	// done releases the reader if it is mid-send when the session ends;
	// closing the conn only unblocks ReadMessage, not a pending send.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-done:
				return
			}
		}
	}()

	uniqueByID := make(map[int64]string, len(devices))
	for _, d := range devices {
		if id, ok := numberOf(d["id"]); ok {
			uniqueByID[id] = uniqueIDOf(d)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case err := <-readErr:
			return fmt.Errorf("read stream: %w", err)
		case data := <-frames:
			var frame streamFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				f.log.Warn().Err(err).Msg("undecodable stream frame")
				continue
			}
			for _, d := range frame.Devices {
				unique := uniqueIDOf(d)
				if id, ok := numberOf(d["id"]); ok && unique != "" {
					uniqueByID[id] = unique
				}
				f.publishEnvelope("tc_device", d, unique)
			}
			for _, pos := range frame.Positions {
				unique := ""
				if id, ok := numberOf(pos["deviceId"]); ok {
					unique = uniqueByID[id]
				}
				f.publishEnvelope("tc_position", pos, unique)
			}
		}
	}
}

func (f *feeder) login(ctx context.Context, client *http.Client) error {
	form := url.Values{}
	form.Set("email", f.user)
	form.Set("password", f.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/api/session",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: status %d", resp.StatusCode)
	}
	return nil
}

func (f *feeder) fetchDevices(ctx context.Context, client *http.Client) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/api/devices", nil)
	if err != nil {
		return nil, fmt.Errorf("build devices request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch devices: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch devices: status %d", resp.StatusCode)
	}

	var devices []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, fmt.Errorf("decode devices: %w", err)
	}
	return devices, nil
}

func (f *feeder) dialSocket(jar http.CookieJar) (*websocket.Conn, error) {
	wsURL := strings.Replace(f.baseURL, "http", "ws", 1) + "/api/socket"
	dialer := websocket.Dialer{
		Jar:              jar,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return conn, nil
}

// publishEnvelope wraps one vendor object in the ingestion wire contract
// and publishes it. Objects without a vendor unique id are unidentifiable
// and skipped.
func (f *feeder) publishEnvelope(msgType string, data map[string]any, uniqueID string) {
	if uniqueID == "" {
		f.log.Debug().Str("msgtype", msgType).Msg("skipping object without unique id")
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		f.log.Warn().Err(err).Msg("marshal vendor object")
		return
	}

	env := envelope.Envelope{
		Raw:      raw,
		MsgType:  msgType,
		MsgHash:  fieldmap.ContentHash(data),
		Received: time.Now().UnixMilli(),
		Gateway:  "traccar",
		Identity: &envelope.Identity{TCUniqueID: uniqueID},
		Data:     data,
	}
	payload, err := json.Marshal(&env)
	if err != nil {
		f.log.Warn().Err(err).Msg("marshal envelope")
		return
	}
	if err := f.publish(payload); err != nil {
		f.log.Warn().Err(err).Str("msgtype", msgType).Msg("publish failed")
	}
}

func uniqueIDOf(device map[string]any) string {
	if s, ok := device["uniqueId"].(string); ok {
		return s
	}
	return ""
}

func numberOf(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
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
