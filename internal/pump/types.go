package pump

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Relay names one switchable output on the device. The device decides
// which ids are valid; the client passes any value through.
type Relay int

// Op is an integer enum of the commands the device understands.
type Op int

const (
	OpUnknown Op = iota
	OpTurnOn
	OpTurnOff
	OpSetTimer
)

func (o Op) String() string {
	switch o {
	case OpTurnOn:
		return "turn_on"
	case OpTurnOff:
		return "turn_off"
	case OpSetTimer:
		return "set_timer"
	default:
		return "unknown"
	}
}

// Timer runs Relay for Duration, then waits Interval, and repeats.
type Timer struct {
	Relay    Relay
	Duration time.Duration
	Interval time.Duration
}

// payload is the positional body the firmware splits on '&'.
func (t Timer) payload() string {
	return fmt.Sprintf("%d&%d&%d", t.Relay, t.Duration.Milliseconds(), t.Interval.Milliseconds())
}

// Outcome is the result of a single request to the device.
type Outcome struct {
	Op         Op
	Relay      Relay
	StatusCode int // 0 when no response was received
	Body       string
	Err        error
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

func (o Outcome) String() string {
	if o.OK() {
		switch o.Op {
		case OpTurnOn:
			return fmt.Sprintf("pump %d turned on", o.Relay)
		case OpTurnOff:
			return fmt.Sprintf("pump %d turned off", o.Relay)
		case OpSetTimer:
			return fmt.Sprintf("timer set for pump %d", o.Relay)
		}
		return fmt.Sprintf("%s pump %d ok", o.Op, o.Relay)
	}
	return fmt.Sprintf("%s pump %d failed: %v", o.Op, o.Relay, o.Err)
}

func (o Outcome) MarshalZerologObject(e *zerolog.Event) {
	e.Str("op", o.Op.String()).
		Int("relay", int(o.Relay)).
		Bool("ok", o.OK())
	if o.StatusCode != 0 {
		e.Int("status", o.StatusCode)
	}
	if o.Body != "" {
		e.Str("body", o.Body)
	}
	if o.Err != nil {
		e.AnErr("error", o.Err)
	}
}
