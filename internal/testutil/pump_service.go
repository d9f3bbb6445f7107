package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Agrid-Dev/pumpctl/internal/pump"
)

// FakePumpService is a reusable fake implementing ports.PumpService.
// Put ONLY what multiple test packages need here.
type FakePumpService struct {
	mu sync.Mutex

	// StatusCode is the device status every call reports. Zero means 200.
	StatusCode int
	// TransportErr, when set, fails every call before a status is observed.
	TransportErr error

	TurnOnCalls   []pump.Relay
	TurnOffCalls  []pump.Relay
	SetTimerCalls []pump.Timer
}

func NewFakePumpService() *FakePumpService {
	return &FakePumpService{}
}

func (f *FakePumpService) TurnOn(_ context.Context, r pump.Relay) pump.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TurnOnCalls = append(f.TurnOnCalls, r)
	return f.outcome(pump.OpTurnOn, r)
}

func (f *FakePumpService) TurnOff(_ context.Context, r pump.Relay) pump.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TurnOffCalls = append(f.TurnOffCalls, r)
	return f.outcome(pump.OpTurnOff, r)
}

func (f *FakePumpService) SetTimer(_ context.Context, t pump.Timer) pump.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetTimerCalls = append(f.SetTimerCalls, t)
	return f.outcome(pump.OpSetTimer, t.Relay)
}

// Calls returns copies of the recorded calls.
func (f *FakePumpService) Calls() (on, off []pump.Relay, timers []pump.Timer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	on = append(on, f.TurnOnCalls...)
	off = append(off, f.TurnOffCalls...)
	timers = append(timers, f.SetTimerCalls...)
	return on, off, timers
}

func (f *FakePumpService) outcome(op pump.Op, r pump.Relay) pump.Outcome {
	out := pump.Outcome{Op: op, Relay: r}
	if f.TransportErr != nil {
		out.Err = fmt.Errorf("%w: %w", pump.ErrTransport, f.TransportErr)
		return out
	}
	out.StatusCode = f.StatusCode
	if out.StatusCode == 0 {
		out.StatusCode = http.StatusOK
	}
	if out.StatusCode != http.StatusOK {
		out.Err = fmt.Errorf("%w: status %d", pump.ErrDeviceRejected, out.StatusCode)
	}
	return out
}
