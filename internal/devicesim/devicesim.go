// Package devicesim emulates the irrigation controller's embedded HTTP
// server: numbered relays switched by GET /on{n} and /off{n}, and
// repeating pump cycles configured by POST /timer.
package devicesim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRelays = 3

	// the firmware receives the timer body into a 100 byte buffer
	maxTimerBody = 100
)

var ErrUnknownRelay = errors.New("unknown relay")

type TimerConfig struct {
	Duration time.Duration
	Interval time.Duration
}

type Snapshot struct {
	Relays map[int]bool
	Timers map[int]TimerConfig
}

type Sim struct {
	log zerolog.Logger

	mu     sync.RWMutex
	relays []bool
	timers map[int]TimerConfig
	cancel map[int]context.CancelFunc
	hits   int

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New returns a simulator with relays numbered 1..n.
func New(n int, log zerolog.Logger) *Sim {
	if n <= 0 {
		n = DefaultRelays
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Sim{
		log:    log,
		relays: make([]bool, n),
		timers: make(map[int]TimerConfig),
		cancel: make(map[int]context.CancelFunc),
		ctx:    ctx,
		stop:   stop,
	}
}

// Close stops every running timer cycle.
func (s *Sim) Close() {
	s.stop()
	s.wg.Wait()
}

func (s *Sim) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Relays: make(map[int]bool, len(s.relays)),
		Timers: make(map[int]TimerConfig, len(s.timers)),
	}
	for i, on := range s.relays {
		snap.Relays[i+1] = on
	}
	for r, t := range s.timers {
		snap.Timers[r] = t
	}
	return snap
}

func (s *Sim) Relay(n int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n < 1 || n > len(s.relays) {
		return false, ErrUnknownRelay
	}
	return s.relays[n-1], nil
}

// Hits is the number of requests served so far.
func (s *Sim) Hits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits
}

func (s *Sim) SetRelay(n int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > len(s.relays) {
		return ErrUnknownRelay
	}
	s.relays[n-1] = on
	return nil
}

// StartTimer replaces any cycle already running on relay n.
func (s *Sim) StartTimer(n int, cfg TimerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > len(s.relays) {
		return ErrUnknownRelay
	}
	if cancel, ok := s.cancel[n]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel[n] = cancel
	s.timers[n] = cfg

	s.wg.Add(1)
	go s.runTimer(ctx, n, cfg)
	return nil
}

func (s *Sim) runTimer(ctx context.Context, n int, cfg TimerConfig) {
	defer s.wg.Done()
	for {
		_ = s.SetRelay(n, true)
		if !sleep(ctx, cfg.Duration) {
			return
		}
		_ = s.SetRelay(n, false)
		if !sleep(ctx, cfg.Interval) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Sim) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/timer":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleTimer(w, r)
	case strings.HasPrefix(path, "/off"):
		s.handleSwitch(w, r, strings.TrimPrefix(path, "/off"), false)
	case strings.HasPrefix(path, "/on"):
		s.handleSwitch(w, r, strings.TrimPrefix(path, "/on"), true)
	default:
		http.NotFound(w, r)
	}
}

func (s *Sim) handleSwitch(w http.ResponseWriter, r *http.Request, arg string, on bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if err := s.SetRelay(n, on); err != nil {
		http.NotFound(w, r)
		return
	}
	if on {
		s.log.Info().Int("relay", n).Msg("pump turned on")
		_, _ = io.WriteString(w, "Pump turned on")
	} else {
		s.log.Info().Int("relay", n).Msg("pump turned off")
		_, _ = io.WriteString(w, "Pump turned off")
	}
}

func (s *Sim) handleTimer(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxTimerBody))
	if err != nil || len(b) == 0 {
		http.Error(w, "empty body", http.StatusInternalServerError)
		return
	}
	n, cfg, err := ParseTimer(string(b))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.StartTimer(n, cfg); err != nil {
		http.NotFound(w, r)
		return
	}
	s.log.Info().
		Int("relay", n).
		Int64("duration_ms", cfg.Duration.Milliseconds()).
		Int64("interval_ms", cfg.Interval.Milliseconds()).
		Msg("timer set")
	_, _ = io.WriteString(w, "Timer set")
}

// ParseTimer splits the positional "relay&duration&interval" body.
func ParseTimer(body string) (int, TimerConfig, error) {
	parts := strings.Split(strings.TrimSpace(body), "&")
	if len(parts) != 3 {
		return 0, TimerConfig{}, fmt.Errorf("timer: want 3 fields, got %d", len(parts))
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, TimerConfig{}, fmt.Errorf("timer: field %d: %w", i, err)
		}
		v[i] = n
	}
	return v[0], TimerConfig{
		Duration: time.Duration(v[1]) * time.Millisecond,
		Interval: time.Duration(v[2]) * time.Millisecond,
	}, nil
}

// Serve runs the simulator on addr until ctx is canceled.
func (s *Sim) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
