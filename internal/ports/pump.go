package ports

import (
	"context"

	"github.com/Agrid-Dev/pumpctl/internal/pump"
)

// PumpService is the command port used by controllers (HTTP/MQTT/etc).
type PumpService interface {
	TurnOn(ctx context.Context, relay pump.Relay) pump.Outcome
	TurnOff(ctx context.Context, relay pump.Relay) pump.Outcome
	SetTimer(ctx context.Context, t pump.Timer) pump.Outcome
}
