package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fixedSource Snapshot

func (f fixedSource) Snapshot() Snapshot { return Snapshot(f) }

func TestStart_Validation(t *testing.T) {
	err := Start(context.Background(), StartOpts{Port: 8080})
	if err == nil || !strings.Contains(err.Error(), "source is required") {
		t.Errorf("err = %v, want source error", err)
	}
	err = Start(context.Background(), StartOpts{Source: fixedSource{}})
	if err == nil || !strings.Contains(err.Error(), "port must be positive") {
		t.Errorf("err = %v, want port error", err)
	}
}

func TestHealthz(t *testing.T) {
	router := NewRouter(fixedSource{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestStatus(t *testing.T) {
	router := NewRouter(fixedSource{
		GatewayReady:    true,
		HandleDelivered: true,
		ReadyEvents:     2,
		Forwarded:       7,
		ForwardDropped:  1,
		ActiveSignups:   3,
		CommandsHandled: 4,
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{
		"gateway_ready":    true,
		"handle_delivered": true,
		"ready_events":     float64(2),
		"forwarded":        float64(7),
		"forward_dropped":  float64(1),
		"active_signups":   float64(3),
		"commands_handled": float64(4),
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestUnknownRoute(t *testing.T) {
	router := NewRouter(fixedSource{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
