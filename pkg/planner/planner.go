package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sunpilot/sunpilot/pkg/tariff"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const (
	// Hard ceiling on the charge target so there is always headroom left for
	// solar intake the next morning.
	maxTargetSOC = 95

	// Extra percentage points added to the target when only one forecast
	// source contributed.
	lowConfidenceBufferSOC = 15

	planHorizon = 24 * time.Hour
)

// chargePowerLadderW are the charge power steps the inverter accepts.
var chargePowerLadderW = []int{500, 1000, 2500, 5000}

// Input carries everything a planning cycle reads. The planner itself is
// stateless: identical inputs produce identical plans.
type Input struct {
	Now time.Time

	Ensemble       types.EnsembleForecast
	ConsumptionKWH float64

	CurrentSOC  float64
	CapacityKWH float64

	Schedule *tariff.Schedule

	Season      types.Season
	MinSOCFloor float64
}

// Plan computes the nightly charge plan: how full the battery should be
// before the morning, at what power to charge, and the phase schedule that
// carries the battery through the next 24 hours.
func Plan(ctx context.Context, in Input) types.OptimizationPlan {
	slog.DebugContext(ctx, "planning cycle started",
		slog.Float64("consumptionKWH", in.ConsumptionKWH),
		slog.Float64("currentSOC", in.CurrentSOC),
		slog.Float64("capacityKWH", in.CapacityKWH),
		slog.String("confidence", string(in.Ensemble.Confidence)),
	)

	// A capacity we can't divide by means every SoC number below would be
	// garbage. Fail closed: hold the battery as-is and say why.
	if in.CapacityKWH <= 0 {
		return types.OptimizationPlan{
			Phases: []types.PlanPhase{{
				Phase: types.PhaseHold,
				Start: in.Now,
				End:   in.Now.Add(planHorizon),
			}},
			Reasoning:  fmt.Sprintf("Battery capacity unavailable (%.1f kWh). Holding current state.", in.CapacityKWH),
			ComputedAt: in.Now,
		}
	}

	solarKWH, solarDay := planningSolarKWH(in)
	deficitKWH := in.ConsumptionKWH - solarKWH

	// Step 1: size the target from the median forecast. The P10 estimate is
	// deliberately not used here, it over-charges on every cloudy-but-fine
	// day.
	var targetSOC float64
	var buffered bool
	if deficitKWH > 0 {
		targetSOC = ceilToFive(deficitKWH / in.CapacityKWH * 100)

		// Step 2: a single-source forecast gets a buffer.
		if in.Ensemble.Confidence == types.ConfidenceLow {
			targetSOC += lowConfidenceBufferSOC
			buffered = true
		}

		// Step 3: clamp. The seasonal floor pushes up (re-snapped to the
		// ladderable multiple of 5), the 95 ceiling always wins.
		if targetSOC < in.MinSOCFloor {
			targetSOC = ceilToFive(in.MinSOCFloor)
		}
		if targetSOC > maxTargetSOC {
			targetSOC = maxTargetSOC
		}
	}

	phases := buildPhases(in, targetSOC)

	// Step 4: pick the smallest ladder step that fills the target within the
	// charge window.
	chargePowerW := 0
	windowHours := chargeWindowHours(phases)
	neededKWH := targetSOC / 100 * in.CapacityKWH
	if targetSOC > 0 {
		chargePowerW = chargePowerLadderW[len(chargePowerLadderW)-1]
		for _, p := range chargePowerLadderW {
			if float64(p)*windowHours/1000 >= neededKWH {
				chargePowerW = p
				break
			}
		}
	}

	reasoning := buildReasoning(in, solarDay, solarKWH, deficitKWH, targetSOC, buffered, chargePowerW, windowHours)

	slog.DebugContext(ctx, "planning cycle finished",
		slog.Float64("deficitKWH", deficitKWH),
		slog.Float64("targetSOC", targetSOC),
		slog.Int("chargePowerW", chargePowerW),
		slog.Int("phases", len(phases)),
	)

	return types.OptimizationPlan{
		TargetSOC:    targetSOC,
		ChargePowerW: chargePowerW,
		Phases:       phases,
		Reasoning:    reasoning,
		ComputedAt:   in.Now,
	}
}

// planningSolarKWH picks which forecast day the plan is charging for. The
// nightly plan runs in the evening and covers the following day's production,
// a morning replan is still about today.
func planningSolarKWH(in Input) (float64, string) {
	if in.Now.Hour() >= 12 {
		return in.Ensemble.TomorrowKWH, "tomorrow"
	}
	return in.Ensemble.TodayKWH, "today"
}

// buildPhases lays out the next 24 hours against the tariff schedule. The
// charge window is the contiguous run of configured tariff periods containing
// the next cheapest-period occurrence; everything before it holds, everything
// after it runs on solar.
func buildPhases(in Input, targetSOC float64) []types.PlanPhase {
	now := in.Now.Truncate(time.Minute)
	horizonMinutes := int(planHorizon / time.Minute)

	// No charge needed: the whole horizon runs on solar and battery.
	if targetSOC <= 0 {
		return []types.PlanPhase{{
			Phase: types.PhaseSolarPriority,
			Start: now,
			End:   now.Add(planHorizon),
		}}
	}

	cheapest, ok := in.Schedule.Cheapest()
	if !ok {
		// Flat tariff, nothing to anchor to: charge immediately for as long
		// as the target needs at the ladder maximum, then hand over to solar.
		maxW := chargePowerLadderW[len(chargePowerLadderW)-1]
		neededKWH := targetSOC / 100 * in.CapacityKWH
		minutes := int(math.Ceil(neededKWH / float64(maxW) * 1000 * 60))
		if minutes > horizonMinutes {
			minutes = horizonMinutes
		}
		phases := []types.PlanPhase{{
			Phase: types.PhaseCheapCharge,
			Start: now,
			End:   now.Add(time.Duration(minutes) * time.Minute),
		}}
		if minutes < horizonMinutes {
			phases = append(phases, types.PlanPhase{
				Phase: types.PhaseSolarPriority,
				Start: phases[0].End,
				End:   now.Add(planHorizon),
			})
		}
		return phases
	}

	// Find the next minute inside the cheapest period, then expand it to the
	// contiguous run of configured periods around it.
	firstCheap := -1
	for m := 0; m < horizonMinutes; m++ {
		if in.Schedule.PeriodAt(now.Add(time.Duration(m)*time.Minute)).Label == cheapest.Label {
			firstCheap = m
			break
		}
	}
	if firstCheap == -1 {
		// Can't happen with daily-recurring windows, but don't build a broken
		// schedule if it somehow does.
		return []types.PlanPhase{{
			Phase: types.PhaseSolarPriority,
			Start: now,
			End:   now.Add(planHorizon),
		}}
	}

	blockStart := firstCheap
	for blockStart > 0 && in.Schedule.InAnyPeriod(now.Add(time.Duration(blockStart-1)*time.Minute)) {
		blockStart--
	}
	blockEnd := firstCheap
	for blockEnd < horizonMinutes && in.Schedule.InAnyPeriod(now.Add(time.Duration(blockEnd)*time.Minute)) {
		blockEnd++
	}

	phaseForMinute := func(m int) types.ChargePhase {
		switch {
		case m < blockStart:
			return types.PhaseHold
		case m >= blockEnd:
			return types.PhaseSolarPriority
		case in.Schedule.PeriodAt(now.Add(time.Duration(m)*time.Minute)).Label == cheapest.Label:
			return types.PhaseCheapCharge
		default:
			return types.PhaseOffPeakCharge
		}
	}

	// Run-length encode the minute classification into phases.
	var phases []types.PlanPhase
	runStart := 0
	runPhase := phaseForMinute(0)
	for m := 1; m < horizonMinutes; m++ {
		p := phaseForMinute(m)
		if p == runPhase {
			continue
		}
		phases = append(phases, types.PlanPhase{
			Phase: runPhase,
			Start: now.Add(time.Duration(runStart) * time.Minute),
			End:   now.Add(time.Duration(m) * time.Minute),
		})
		runStart, runPhase = m, p
	}
	phases = append(phases, types.PlanPhase{
		Phase: runPhase,
		Start: now.Add(time.Duration(runStart) * time.Minute),
		End:   now.Add(planHorizon),
	})
	return phases
}

// chargeWindowHours sums the grid-charging phases.
func chargeWindowHours(phases []types.PlanPhase) float64 {
	var d time.Duration
	for _, ph := range phases {
		if ph.Phase == types.PhaseOffPeakCharge || ph.Phase == types.PhaseCheapCharge {
			d += ph.End.Sub(ph.Start)
		}
	}
	return d.Hours()
}

func buildReasoning(in Input, solarDay string, solarKWH, deficitKWH, targetSOC float64, buffered bool, chargePowerW int, windowHours float64) string {
	if deficitKWH <= 0 {
		return fmt.Sprintf(
			"Solar Covers Demand (%s %.1f kWh >= %.1f kWh consumption). No grid charge, solar priority.",
			solarDay, solarKWH, in.ConsumptionKWH,
		)
	}
	r := fmt.Sprintf(
		"Deficit %.1f kWh (%.1f kWh consumption - %.1f kWh solar %s). Target SoC %.0f%%",
		deficitKWH, in.ConsumptionKWH, solarKWH, solarDay, targetSOC,
	)
	if buffered {
		r += fmt.Sprintf(" (incl. +%d%% low confidence buffer)", lowConfidenceBufferSOC)
	}
	r += fmt.Sprintf(". Charging at %d W over %.1f h window.", chargePowerW, windowHours)
	if in.CurrentSOC >= targetSOC {
		r += fmt.Sprintf(" Already at %.0f%%, charge phases will stand down.", in.CurrentSOC)
	}
	return r
}

func ceilToFive(v float64) float64 {
	return math.Ceil(v/5) * 5
}
