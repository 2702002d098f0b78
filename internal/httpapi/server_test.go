package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vesper-ai/vesper/internal/config"
	"github.com/vesper-ai/vesper/internal/iot"
	"github.com/vesper-ai/vesper/internal/observability"
	"github.com/vesper-ai/vesper/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	metrics := observability.NewMetrics(fmt.Sprintf("vesper_test_httpapi_%d", time.Now().UnixNano()))
	registry := iot.NewRegistry()
	if err := registry.Register(iot.NewLamp()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	cfg := config.Config{ListenMode: config.ModeAuto}
	engine := session.New(session.Options{
		Config:   cfg,
		Registry: registry,
		Metrics:  metrics,
		Log:      zerolog.Nop(),
	})
	return New(cfg, engine, registry, metrics)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStateSnapshot(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if snap.State != session.StateStarting {
		t.Fatalf("state = %s, want STARTING before Run", snap.State)
	}
	if snap.Channel != "CLOSED" {
		t.Fatalf("channel = %s, want CLOSED", snap.Channel)
	}
}

func TestThings(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/things", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Things []iot.Descriptor `json:"things"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Things) != 1 || body.Things[0].Name != "Lamp" {
		t.Fatalf("things = %+v", body.Things)
	}
}

func TestIntentValidation(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name string
		body string
		want int
	}{
		{"toggle", `{"action":"toggle"}`, http.StatusAccepted},
		{"mode valid", `{"action":"mode","mode":"push_to_talk"}`, http.StatusAccepted},
		{"mode invalid", `{"action":"mode","mode":"telepathy"}`, http.StatusBadRequest},
		{"unknown action", `{"action":"levitate"}`, http.StatusBadRequest},
		{"garbage", `{{{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/intent", strings.NewReader(tc.body))
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
	}
}
