package httpctrl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Agrid-Dev/pumpctl/internal/ports"
	"github.com/Agrid-Dev/pumpctl/internal/pump"
)

type Server struct {
	svc      ports.PumpService
	srv      *http.Server
	deviceID string
	log      zerolog.Logger
}

// New returns a runnable gateway server.
func New(svc ports.PumpService, addr string, deviceID string, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{svc: svc, deviceID: deviceID, log: log.With().Str("controller", "http").Logger()}

	mux.HandleFunc("POST /v1/relays/{relay}/on", s.handleOn)
	mux.HandleFunc("POST /v1/relays/{relay}/off", s.handleOff)
	mux.HandleFunc("POST /v1/relays/{relay}/timer", s.handleTimer)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ---- DTOs ----

type outcomeDTO struct {
	DeviceID   string `json:"device_id"`
	Op         string `json:"op"`
	Relay      int    `json:"relay"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
}

type timerReq struct {
	DurationMs *int64 `json:"duration_ms"`
	IntervalMs *int64 `json:"interval_ms"`
}

// ---- Handlers ----

func (s *Server) handleOn(w http.ResponseWriter, r *http.Request) {
	relay, ok := relayParam(w, r)
	if !ok {
		return
	}
	s.respondOutcome(w, s.svc.TurnOn(r.Context(), relay))
}

func (s *Server) handleOff(w http.ResponseWriter, r *http.Request) {
	relay, ok := relayParam(w, r)
	if !ok {
		return
	}
	s.respondOutcome(w, s.svc.TurnOff(r.Context(), relay))
}

func (s *Server) handleTimer(w http.ResponseWriter, r *http.Request) {
	// body: {"duration_ms": 5000, "interval_ms": 1000}
	relay, ok := relayParam(w, r)
	if !ok {
		return
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req timerReq
	if err := dec.Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DurationMs == nil || req.IntervalMs == nil {
		writeErr(w, http.StatusBadRequest, "missing field 'duration_ms' or 'interval_ms'")
		return
	}
	if *req.DurationMs < 0 || *req.IntervalMs < 0 {
		writeErr(w, http.StatusBadRequest, "durations must not be negative")
		return
	}

	s.respondOutcome(w, s.svc.SetTimer(r.Context(), pump.Timer{
		Relay:    relay,
		Duration: time.Duration(*req.DurationMs) * time.Millisecond,
		Interval: time.Duration(*req.IntervalMs) * time.Millisecond,
	}))
}

// ---- generic helpers ----

func relayParam(w http.ResponseWriter, r *http.Request) (pump.Relay, bool) {
	n, err := strconv.Atoi(r.PathValue("relay"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "relay must be an integer")
		return 0, false
	}
	return pump.Relay(n), true
}

func (s *Server) respondOutcome(w http.ResponseWriter, out pump.Outcome) {
	dto := outcomeDTO{
		DeviceID:   s.deviceID,
		Op:         out.Op.String(),
		Relay:      int(out.Relay),
		OK:         out.OK(),
		StatusCode: out.StatusCode,
		Message:    out.String(),
	}
	code := http.StatusOK
	if !out.OK() {
		dto.Error = out.Err.Error()
		code = http.StatusBadGateway
		s.log.Warn().EmbedObject(out).Msg(out.String())
	} else {
		s.log.Info().EmbedObject(out).Msg(out.String())
	}
	writeJSON(w, code, dto)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
