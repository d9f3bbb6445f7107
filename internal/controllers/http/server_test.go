package httpctrl

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/pumpctl/internal/pump"
	"github.com/Agrid-Dev/pumpctl/internal/testutil"
)

func TestPOST_on(t *testing.T) {
	srv, f := newTestServer()

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/relays/1/on", nil)
	assertStatus(t, rr, http.StatusOK)

	if len(f.TurnOnCalls) != 1 || f.TurnOnCalls[0] != 1 {
		t.Fatalf("expected TurnOn(1), got %v", f.TurnOnCalls)
	}

	got := decodeJSON[map[string]any](t, rr)
	if got["ok"] != true {
		t.Fatalf("expected ok=true, got %v", got["ok"])
	}
	if got["op"] != "turn_on" {
		t.Fatalf("expected op=turn_on, got %v", got["op"])
	}
	if got["device_id"] != "garden" {
		t.Fatalf("expected device_id=garden, got %v", got["device_id"])
	}
	if got["message"] != "pump 1 turned on" {
		t.Fatalf("unexpected message %v", got["message"])
	}
}

func TestPOST_off_DeviceRejected(t *testing.T) {
	srv, f := newTestServer()
	f.StatusCode = http.StatusServiceUnavailable

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/relays/1/off", nil)
	assertStatus(t, rr, http.StatusBadGateway)

	if len(f.TurnOffCalls) != 1 || f.TurnOffCalls[0] != 1 {
		t.Fatalf("expected TurnOff(1), got %v", f.TurnOffCalls)
	}
	got := decodeJSON[map[string]any](t, rr)
	if got["ok"] != false {
		t.Fatalf("expected ok=false, got %v", got["ok"])
	}
	if got["status_code"] != float64(503) {
		t.Fatalf("expected status_code=503, got %v", got["status_code"])
	}
	_ = assertErrorResponse(t, rr)
}

func TestPOST_on_TransportError(t *testing.T) {
	srv, f := newTestServer()
	f.TransportErr = errors.New("connection refused")

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/relays/2/on", nil)
	assertStatus(t, rr, http.StatusBadGateway)

	got := decodeJSON[map[string]any](t, rr)
	if _, ok := got["status_code"]; ok {
		t.Fatalf("expected no status_code on transport error, got %v", got["status_code"])
	}
	_ = assertErrorResponse(t, rr)
}

func TestPOST_on_InvalidRelay(t *testing.T) {
	srv, f := newTestServer()

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/relays/abc/on", nil)
	assertStatus(t, rr, http.StatusBadRequest)
	_ = assertErrorResponse(t, rr)

	if len(f.TurnOnCalls) != 0 {
		t.Fatal("expected TurnOn not called")
	}
}

func TestPOST_timer(t *testing.T) {
	srv, f := newTestServer()

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/relays/2/timer", map[string]any{
		"duration_ms": 5000,
		"interval_ms": 1000,
	})
	assertStatus(t, rr, http.StatusOK)

	want := pump.Timer{Relay: 2, Duration: 5 * time.Second, Interval: time.Second}
	if len(f.SetTimerCalls) != 1 || f.SetTimerCalls[0] != want {
		t.Fatalf("expected SetTimer(%+v), got %v", want, f.SetTimerCalls)
	}
}

func TestPOST_timer_InvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		body any
	}{
		{"missing interval", map[string]any{"duration_ms": 5000}},
		{"unknown field", map[string]any{"duration_ms": 5000, "interval_ms": 1000, "extra": 1}},
		{"negative", map[string]any{"duration_ms": -1, "interval_ms": 1000}},
		{"wrong type", map[string]any{"duration_ms": "5s", "interval_ms": 1000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, f := newTestServer()
			rr := doJSONRequest(t, srv.srv.Handler, http.MethodPost, "/v1/relays/1/timer", tt.body)
			assertStatus(t, rr, http.StatusBadRequest)
			_ = assertErrorResponse(t, rr)
			if len(f.SetTimerCalls) != 0 {
				t.Fatal("expected SetTimer not called")
			}
		})
	}
}

func TestGET_on_NotAllowed(t *testing.T) {
	srv, _ := newTestServer()

	rr := doJSONRequest(t, srv.srv.Handler, http.MethodGet, "/v1/relays/1/on", nil)
	assertStatus(t, rr, http.StatusMethodNotAllowed)
}

func TestGET_healthz(t *testing.T) {
	srv, _ := newTestServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.srv.Handler.ServeHTTP(rr, req)

	assertStatus(t, rr, http.StatusOK)
	if rr.Body.String() != "ok" {
		t.Fatalf("expected body 'ok', got %s", rr.Body.String())
	}
}

// ---- test helpers ----

func newTestServer() (*Server, *testutil.FakePumpService) {
	f := testutil.NewFakePumpService()
	return New(f, ":0", "garden", zerolog.Nop()), f
}

func doJSONRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r *http.Request
	if body == nil {
		r = httptest.NewRequest(method, path, nil)
	} else {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("json.Unmarshal: %v body=%s", err, rr.Body.String())
	}
	return v
}

// Handy when you only care about error responses.
func assertErrorResponse(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeJSON[struct {
		Error string `json:"error"`
	}](t, rr)
	if resp.Error == "" {
		t.Fatalf("expected non-empty error field, got body=%s", rr.Body.String())
	}
	return resp.Error
}
