package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmergencyStop(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	m := New(15)

	t.Run("DischargingBelowCritical", func(t *testing.T) {
		v := m.Evaluate(ctx, Inputs{
			Now:         now,
			BatterySOC:  12,
			Discharging: true,
			LastSeen:    now,
		})
		assert.True(t, v.EmergencyStop)
		assert.Contains(t, v.Reason, "below critical")
	})

	t.Run("BelowCriticalButCharging", func(t *testing.T) {
		v := m.Evaluate(ctx, Inputs{
			Now:         now,
			BatterySOC:  12,
			Discharging: false,
			LastSeen:    now,
		})
		assert.False(t, v.EmergencyStop, "charging out of the hole is the fix, not a fault")
	})

	t.Run("AtThreshold", func(t *testing.T) {
		v := m.Evaluate(ctx, Inputs{
			Now:         now,
			BatterySOC:  15,
			Discharging: true,
			LastSeen:    now,
		})
		assert.False(t, v.EmergencyStop)
	})

	t.Run("Reconfigure", func(t *testing.T) {
		m.Reconfigure(40)
		v := m.Evaluate(ctx, Inputs{
			Now:         now,
			BatterySOC:  35,
			Discharging: true,
			LastSeen:    now,
		})
		assert.True(t, v.EmergencyStop)
		m.Reconfigure(15)
	})
}

func TestTelemetryAge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	m := New(15)

	t.Run("Fresh", func(t *testing.T) {
		v := m.Evaluate(ctx, Inputs{Now: now, BatterySOC: 50, LastSeen: now.Add(-30 * time.Second)})
		assert.False(t, v.Stale)
		assert.False(t, v.FallbackToAuto)
		assert.Empty(t, v.Reason)
	})

	t.Run("StaleWarning", func(t *testing.T) {
		v := m.Evaluate(ctx, Inputs{Now: now, BatterySOC: 50, LastSeen: now.Add(-6 * time.Minute)})
		assert.True(t, v.Stale)
		assert.False(t, v.FallbackToAuto)
		assert.Contains(t, v.Reason, "6m0s old")
	})

	t.Run("FallbackEscalation", func(t *testing.T) {
		v := m.Evaluate(ctx, Inputs{Now: now, BatterySOC: 50, LastSeen: now.Add(-16 * time.Minute)})
		assert.True(t, v.Stale)
		assert.True(t, v.FallbackToAuto)
		assert.Contains(t, v.Reason, "automatic mode")
	})

	t.Run("NeverSeen", func(t *testing.T) {
		v := m.Evaluate(ctx, Inputs{Now: now, BatterySOC: 50})
		assert.True(t, v.Stale)
		assert.True(t, v.FallbackToAuto)
	})
}

func TestVerdictsCompose(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	m := New(15)

	// Stale data and a critical discharge at once: both verdict bits set, the
	// emergency carries the reason.
	v := m.Evaluate(ctx, Inputs{
		Now:         now,
		BatterySOC:  10,
		Discharging: true,
		LastSeen:    now.Add(-7 * time.Minute),
	})
	assert.True(t, v.Stale)
	assert.True(t, v.EmergencyStop)
	assert.Contains(t, v.Reason, "below critical")
}

func TestLowSOHIsNotActedOn(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	m := New(15)

	v := m.Evaluate(ctx, Inputs{Now: now, BatterySOC: 80, BatterySOH: 60, LastSeen: now})
	assert.False(t, v.EmergencyStop)
	assert.False(t, v.Stale)
	assert.False(t, v.FallbackToAuto)
}
