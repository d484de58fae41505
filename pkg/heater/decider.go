package heater

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const (
	// exportExitRatio is the hysteresis exit for surplus heating: once on via
	// export surplus, the heater stays on until export drops below half its
	// draw (the heater itself eats most of the measured surplus).
	exportExitRatio = 0.5

	// storageSurplusMarginW is how much faster than the house load the battery
	// must be charging before the heater may piggyback on the surplus.
	storageSurplusMarginW = 200

	// continuationRatio guards surplus heating against a collapsing forecast:
	// the next two hours must promise at least this fraction of the current
	// production rate.
	continuationRatio = 0.7

	// fullSOC/drainedSOC are the battery-full hysteresis band.
	fullSOC    = 90
	drainedSOC = 85

	// minSolarW is the minimum live production for battery-full heating.
	minSolarW = 300

	// topUpHour is the local hour from which the off-peak minimum top-up may
	// run even outside the cheapest window.
	topUpHour = 22
)

// Inputs carries one evaluation's readings. Everything is measured or derived
// before the call; the decider itself never does I/O.
type Inputs struct {
	Now time.Time

	GridExportW    float64
	GridImportW    float64
	BatteryChargeW float64
	ConsumptionW   float64
	SolarW         float64
	BatterySOC     float64

	// SolarNext2hKWH is the ensemble forecast for the coming two hours.
	SolarNext2hKWH float64

	// OffPeak is true inside any configured tariff period, Cheapest inside
	// the cheapest one.
	OffPeak  bool
	Cheapest bool
}

// Decider drives the water heater from a fixed-priority rule table. The
// hysteresis flags live here and persist across evaluations (and restarts,
// via Snapshot/Restore); everything else is stateless per call.
type Decider struct {
	mu          sync.Mutex
	enabled     bool
	powerW      float64
	dailyMinKWH float64
	state       types.WaterHeaterState
}

// New returns a Decider with the heater off and no flags set.
func New(enabled bool, powerW, dailyMinKWH float64) *Decider {
	return &Decider{
		enabled:     enabled,
		powerW:      powerW,
		dailyMinKWH: dailyMinKWH,
		state: types.WaterHeaterState{
			ActiveRule: types.HeaterRuleHold,
		},
	}
}

// rule is one row of the decision table: rules are evaluated top to bottom
// and the first matching predicate wins. apply returns the desired heater
// state and updates hysteresis flags.
type rule struct {
	name  types.HeaterRule
	match func(d *Decider, in Inputs) bool
	apply func(d *Decider, in Inputs) bool
}

// storageSurplus is shared by the entry and exit rules so the exit fires on
// the exact inverse of the entry condition.
func storageSurplus(in Inputs) bool {
	return in.BatteryChargeW > in.ConsumptionW+storageSurplusMarginW &&
		in.SolarNext2hKWH >= continuationRatio*in.SolarW/1000
}

var rules = []rule{
	{
		// Rule 1: disabled kills everything and forgets the flags.
		name: types.HeaterRuleDisabled,
		match: func(d *Decider, in Inputs) bool {
			return !d.enabled
		},
		apply: func(d *Decider, in Inputs) bool {
			d.state.ViaExportSurplus = false
			d.state.ViaStorageSurplus = false
			d.state.ViaBatteryFull = false
			return false
		},
	},
	{
		// Rule 2: exporting more than the heater draws means heating is free.
		name: types.HeaterRuleExportSurplus,
		match: func(d *Decider, in Inputs) bool {
			return in.GridExportW >= d.powerW
		},
		apply: func(d *Decider, in Inputs) bool {
			d.state.ViaExportSurplus = true
			return true
		},
	},
	{
		// Rule 3: hysteresis exit for rule 2. Only fires while the flag from
		// rule 2 is set.
		name: types.HeaterRuleExportLost,
		match: func(d *Decider, in Inputs) bool {
			return d.state.ViaExportSurplus && in.GridExportW < exportExitRatio*d.powerW
		},
		apply: func(d *Decider, in Inputs) bool {
			d.state.ViaExportSurplus = false
			return false
		},
	},
	{
		// Rule 4: the battery is charging faster than the house consumes and
		// the forecast says production will continue, so divert to hot water.
		name: types.HeaterRuleStorageSurplus,
		match: func(d *Decider, in Inputs) bool {
			return storageSurplus(in)
		},
		apply: func(d *Decider, in Inputs) bool {
			d.state.ViaStorageSurplus = true
			return true
		},
	},
	{
		// Rule 4-exit: the storage surplus condition stopped holding.
		name: types.HeaterRuleStorageLost,
		match: func(d *Decider, in Inputs) bool {
			return d.state.ViaStorageSurplus && !storageSurplus(in)
		},
		apply: func(d *Decider, in Inputs) bool {
			d.state.ViaStorageSurplus = false
			return false
		},
	},
	{
		// Rule 5: battery effectively full while the sun still shines.
		name: types.HeaterRuleBatteryFull,
		match: func(d *Decider, in Inputs) bool {
			return in.BatterySOC >= fullSOC && in.SolarW >= minSolarW
		},
		apply: func(d *Decider, in Inputs) bool {
			d.state.ViaBatteryFull = true
			return true
		},
	},
	{
		// Rule 6: 5-point hysteresis exit for rule 5, or the sun went down.
		name: types.HeaterRuleBatteryDrained,
		match: func(d *Decider, in Inputs) bool {
			return d.state.ViaBatteryFull && (in.BatterySOC < drainedSOC || in.SolarW == 0)
		},
		apply: func(d *Decider, in Inputs) bool {
			d.state.ViaBatteryFull = false
			return false
		},
	},
	{
		// Rule 7: guarantee the daily minimum on cheap power late at night.
		name: types.HeaterRuleOffPeakTopUp,
		match: func(d *Decider, in Inputs) bool {
			return in.OffPeak && d.state.DailyEnergyKWH < d.dailyMinKWH &&
				(in.Cheapest || in.Now.Hour() >= topUpHour)
		},
		apply: func(d *Decider, in Inputs) bool {
			return true
		},
	},
	{
		// Rule 8: never heat off imported peak power.
		name: types.HeaterRulePeakImport,
		match: func(d *Decider, in Inputs) bool {
			return !in.OffPeak && in.GridImportW > 0
		},
		apply: func(d *Decider, in Inputs) bool {
			return false
		},
	},
	{
		// Rule 9: nothing applies, keep whatever the heater is doing.
		name: types.HeaterRuleHold,
		match: func(d *Decider, in Inputs) bool {
			return true
		},
		apply: func(d *Decider, in Inputs) bool {
			return d.state.On
		},
	},
}

// Evaluate runs the rule table once and returns the resulting state snapshot.
func (d *Decider) Evaluate(ctx context.Context, in Inputs) types.WaterHeaterState {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range rules {
		if !r.match(d, in) {
			continue
		}
		on := r.apply(d, in)
		if on != d.state.On {
			d.state.On = on
			d.state.LastTransitionAt = in.Now
			log.Ctx(ctx).DebugContext(ctx, "water heater transition",
				slog.Bool("on", on),
				slog.String("rule", string(r.name)),
				slog.Float64("gridExportW", in.GridExportW),
				slog.Float64("batterySOC", in.BatterySOC),
				slog.Float64("dailyEnergyKWH", d.state.DailyEnergyKWH),
			)
		}
		d.state.ActiveRule = r.name
		return d.state
	}

	// The hold rule always matches.
	return d.state
}

// State returns the current state without evaluating.
func (d *Decider) State() types.WaterHeaterState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// AddDailyEnergy accumulates measured heater consumption. Called by the
// telemetry loop, not by rule evaluation.
func (d *Decider) AddDailyEnergy(kwh float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.DailyEnergyKWH += kwh
}

// ResetDaily zeroes the daily energy counter at local midnight.
func (d *Decider) ResetDaily() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state.DailyEnergyKWH = 0
}

// Reconfigure swaps the heater parameters. Flags and state survive so a
// settings change doesn't pulse the relay.
func (d *Decider) Reconfigure(enabled bool, powerW, dailyMinKWH float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
	d.powerW = powerW
	d.dailyMinKWH = dailyMinKWH
}

// Snapshot returns the state for persistence.
func (d *Decider) Snapshot() types.WaterHeaterState {
	return d.State()
}

// Restore loads persisted state, keeping hysteresis flags across restarts.
func (d *Decider) Restore(s types.WaterHeaterState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

// PowerW returns the configured nominal heater draw.
func (d *Decider) PowerW() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerW
}
