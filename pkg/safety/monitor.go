package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const (
	// staleAfter is when telemetry age starts being worth a warning.
	staleAfter = 5 * time.Minute
	// fallbackAfter is when the battery gets handed back to the vendor's
	// automatic mode: if we can't see it, we shouldn't be steering it.
	fallbackAfter = 15 * time.Minute

	// lowSOHThreshold is logged only, never acted on.
	lowSOHThreshold = 70
)

// Inputs carries one safety evaluation's readings.
type Inputs struct {
	Now time.Time

	BatterySOC  float64
	BatterySOH  float64
	Discharging bool

	// LastSeen is the timestamp of the newest telemetry sample. Zero means
	// nothing has ever arrived.
	LastSeen time.Time
}

// Monitor checks every cycle that the battery isn't being driven into the
// ground and that we can still see it. Its verdict overrides whatever the
// plan or the heater want.
type Monitor struct {
	mu          sync.Mutex
	criticalSOC float64
}

// New returns a Monitor that trips the emergency stop below criticalSOC.
func New(criticalSOC float64) *Monitor {
	return &Monitor{criticalSOC: criticalSOC}
}

// Reconfigure swaps the critical threshold (it follows the seasonal floor).
func (m *Monitor) Reconfigure(criticalSOC float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criticalSOC = criticalSOC
}

// CriticalSOC returns the active emergency-stop threshold.
func (m *Monitor) CriticalSOC() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.criticalSOC
}

// Evaluate computes the verdict for one cycle. It never mutates state beyond
// logging; the same inputs always produce the same verdict.
func (m *Monitor) Evaluate(ctx context.Context, in Inputs) types.SafetyVerdict {
	m.mu.Lock()
	critical := m.criticalSOC
	m.mu.Unlock()

	var v types.SafetyVerdict

	age := in.Now.Sub(in.LastSeen)
	if in.LastSeen.IsZero() {
		age = fallbackAfter + time.Second
	}
	if age > staleAfter {
		v.Stale = true
		v.Reason = fmt.Sprintf("telemetry is %s old", age.Truncate(time.Second))
		log.Ctx(ctx).WarnContext(ctx, "telemetry is stale",
			slog.Duration("age", age),
			slog.Time("lastSeen", in.LastSeen),
		)
	}
	if age > fallbackAfter {
		v.FallbackToAuto = true
		v.Reason = fmt.Sprintf("no telemetry for %s, handing battery back to automatic mode", age.Truncate(time.Second))
		log.Ctx(ctx).ErrorContext(ctx, "telemetry gone, falling back to automatic mode",
			slog.Duration("age", age),
		)
	}

	if in.Discharging && in.BatterySOC < critical {
		v.EmergencyStop = true
		v.Reason = fmt.Sprintf("SoC %.1f%% below critical %.1f%% while discharging", in.BatterySOC, critical)
		log.Ctx(ctx).ErrorContext(ctx, "emergency stop: battery discharging below critical SoC",
			slog.Float64("soc", in.BatterySOC),
			slog.Float64("critical", critical),
		)
	}

	if in.BatterySOH > 0 && in.BatterySOH < lowSOHThreshold {
		log.Ctx(ctx).WarnContext(ctx, "battery state of health is low",
			slog.Float64("soh", in.BatterySOH),
		)
	}

	return v
}
