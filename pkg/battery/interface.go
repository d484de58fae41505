package battery

import (
	"context"

	"github.com/sunpilot/sunpilot/pkg/types"
)

// Controller defines the interface for sending decisions to the hardware:
// the battery's control channel and the water heater relay.
type Controller interface {
	// Apply puts the battery under manual control with the given parameters.
	// Identical consecutive commands may be suppressed by the implementation.
	Apply(ctx context.Context, cmd types.BatteryCommand) error

	// SetAutomatic hands the battery back to the vendor's automatic operating
	// mode, releasing manual control.
	SetAutomatic(ctx context.Context) error

	// SetHeater switches the water heater relay.
	SetHeater(ctx context.Context, on bool) error
}

// Publisher is the broker connection heater relay commands go out on.
// *telemetry.Stream implements it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}
