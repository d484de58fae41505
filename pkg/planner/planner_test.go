package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunpilot/sunpilot/pkg/tariff"
	"github.com/sunpilot/sunpilot/pkg/types"
)

// French-style layout: off-peak 23:00-02:00 and 06:00-07:00, super-off-peak
// 02:00-06:00, everything else peak at the default price.
func frenchSchedule(t *testing.T) *tariff.Schedule {
	t.Helper()
	s, err := tariff.New([]types.TariffPeriod{
		{Label: "offpeak", Start: "23:00", End: "02:00", EurosPerKWH: 0.21},
		{Label: "superoffpeak", Start: "02:00", End: "06:00", EurosPerKWH: 0.16},
		{Label: "offpeak", Start: "06:00", End: "07:00", EurosPerKWH: 0.21},
	}, 0.27)
	require.NoError(t, err)
	return s
}

func emptySchedule(t *testing.T) *tariff.Schedule {
	t.Helper()
	s, err := tariff.New(nil, 0.27)
	require.NoError(t, err)
	return s
}

func ensembleWith(conf types.Confidence, todayKWH, tomorrowKWH float64) types.EnsembleForecast {
	return types.EnsembleForecast{
		Confidence:  conf,
		TodayKWH:    todayKWH,
		TomorrowKWH: tomorrowKWH,
	}
}

// eveningInput is the standard nightly planning scenario: 21:00, full battery
// spec, planning against tomorrow's forecast.
func eveningInput(t *testing.T) Input {
	return Input{
		Now:            time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC),
		Ensemble:       ensembleWith(types.ConfidenceMedium, 0, 12),
		ConsumptionKWH: 20,
		CurrentSOC:     35,
		CapacityKWH:    13.4,
		Schedule:       frenchSchedule(t),
		Season:         types.SeasonWinter,
		MinSOCFloor:    20,
	}
}

func assertCoverage(t *testing.T, plan types.OptimizationPlan, now time.Time) {
	t.Helper()
	require.NotEmpty(t, plan.Phases)
	start := now.Truncate(time.Minute)
	assert.True(t, plan.Phases[0].Start.Equal(start), "schedule must start now")
	for i, ph := range plan.Phases {
		assert.True(t, ph.Start.Before(ph.End), "phase %d is empty or inverted", i)
		if i > 0 {
			assert.True(t, ph.Start.Equal(plan.Phases[i-1].End), "gap or overlap before phase %d", i)
		}
	}
	assert.True(t, plan.Phases[len(plan.Phases)-1].End.Equal(start.Add(24*time.Hour)),
		"schedule must cover the full 24h cycle")
}

func TestPlanTarget(t *testing.T) {
	ctx := context.Background()

	t.Run("DeficitSizesTarget", func(t *testing.T) {
		// 20 kWh consumption - 12 kWh solar on a 13.4 kWh battery:
		// 8/13.4*100 = 59.7 -> 60.
		in := eveningInput(t)
		plan := Plan(ctx, in)
		assert.Equal(t, 60.0, plan.TargetSOC)

		// 60% of 13.4 kWh is 8.04 kWh over the 8h charge window: 1000 W
		// delivers only 8.0 kWh so the next step up is needed.
		assert.Equal(t, 2500, plan.ChargePowerW)
		assert.Contains(t, plan.Reasoning, "Deficit 8.0 kWh")
	})

	t.Run("SurplusMeansZeroTarget", func(t *testing.T) {
		in := eveningInput(t)
		in.Ensemble = ensembleWith(types.ConfidenceMedium, 0, 25)
		in.MinSOCFloor = 50 // must not push a surplus day up to the floor

		plan := Plan(ctx, in)
		assert.Zero(t, plan.TargetSOC)
		assert.Zero(t, plan.ChargePowerW)
		require.Len(t, plan.Phases, 1)
		assert.Equal(t, types.PhaseSolarPriority, plan.Phases[0].Phase)
		assertCoverage(t, plan, in.Now)
		assert.Contains(t, plan.Reasoning, "Solar Covers Demand")
	})

	t.Run("LowConfidenceBuffer", func(t *testing.T) {
		// Deficit 1.34 kWh -> 10%, plus the 15-point single-source buffer.
		in := eveningInput(t)
		in.ConsumptionKWH = 13.34
		in.Ensemble = ensembleWith(types.ConfidenceLow, 0, 12)
		in.MinSOCFloor = 0

		plan := Plan(ctx, in)
		assert.Equal(t, 25.0, plan.TargetSOC)
		assert.Contains(t, plan.Reasoning, "low confidence buffer")
	})

	t.Run("FloorClamps", func(t *testing.T) {
		in := eveningInput(t)
		in.ConsumptionKWH = 12.5 // deficit 0.5 -> 5%
		in.MinSOCFloor = 50

		plan := Plan(ctx, in)
		assert.Equal(t, 50.0, plan.TargetSOC)
	})

	t.Run("FloorResnapsToMultipleOfFive", func(t *testing.T) {
		in := eveningInput(t)
		in.ConsumptionKWH = 12.5
		in.MinSOCFloor = 22

		plan := Plan(ctx, in)
		assert.Equal(t, 25.0, plan.TargetSOC)
	})

	t.Run("CeilingClamps", func(t *testing.T) {
		in := eveningInput(t)
		in.ConsumptionKWH = 40
		in.Ensemble = ensembleWith(types.ConfidenceMedium, 0, 0)

		plan := Plan(ctx, in)
		assert.Equal(t, 95.0, plan.TargetSOC)
	})

	t.Run("MorningPlansAgainstToday", func(t *testing.T) {
		in := eveningInput(t)
		in.Now = time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)
		// Tomorrow is bright but irrelevant at 03:00.
		in.Ensemble = ensembleWith(types.ConfidenceMedium, 12, 99)

		plan := Plan(ctx, in)
		assert.Equal(t, 60.0, plan.TargetSOC)
		assert.Contains(t, plan.Reasoning, "solar today")
	})
}

func TestPlanPhases(t *testing.T) {
	ctx := context.Background()

	t.Run("FrenchTariffEvening", func(t *testing.T) {
		in := eveningInput(t)
		plan := Plan(ctx, in)
		assertCoverage(t, plan, in.Now)

		day := func(d, h, m int) time.Time {
			return time.Date(2026, 3, d, h, m, 0, 0, time.UTC)
		}
		want := []types.PlanPhase{
			{Phase: types.PhaseHold, Start: day(2, 21, 0), End: day(2, 23, 0)},
			{Phase: types.PhaseOffPeakCharge, Start: day(2, 23, 0), End: day(3, 2, 0)},
			{Phase: types.PhaseCheapCharge, Start: day(3, 2, 0), End: day(3, 6, 0)},
			{Phase: types.PhaseOffPeakCharge, Start: day(3, 6, 0), End: day(3, 7, 0)},
			{Phase: types.PhaseSolarPriority, Start: day(3, 7, 0), End: day(3, 21, 0)},
		}
		require.Len(t, plan.Phases, len(want))
		for i, w := range want {
			assert.Equal(t, w.Phase, plan.Phases[i].Phase, "phase %d", i)
			assert.True(t, plan.Phases[i].Start.Equal(w.Start), "phase %d start: got %v", i, plan.Phases[i].Start)
			assert.True(t, plan.Phases[i].End.Equal(w.End), "phase %d end: got %v", i, plan.Phases[i].End)
		}
	})

	t.Run("ReplanInsideChargeWindow", func(t *testing.T) {
		in := eveningInput(t)
		in.Now = time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)
		in.Ensemble = ensembleWith(types.ConfidenceMedium, 12, 12)

		plan := Plan(ctx, in)
		assertCoverage(t, plan, in.Now)

		// Already inside the cheap window: no hold phase, and tonight's
		// windows past the solar handover stay solar-priority.
		require.Len(t, plan.Phases, 3)
		assert.Equal(t, types.PhaseCheapCharge, plan.Phases[0].Phase)
		assert.Equal(t, types.PhaseOffPeakCharge, plan.Phases[1].Phase)
		assert.Equal(t, types.PhaseSolarPriority, plan.Phases[2].Phase)
		assert.True(t, plan.Phases[0].End.Equal(time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)))
		assert.True(t, plan.Phases[1].End.Equal(time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)))
	})

	t.Run("WrappedSingleWindow", func(t *testing.T) {
		s, err := tariff.New([]types.TariffPeriod{
			{Label: "night", Start: "20:00", End: "08:00", EurosPerKWH: 0.1},
		}, 0.3)
		require.NoError(t, err)

		in := eveningInput(t)
		in.Schedule = s
		in.Now = time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)

		plan := Plan(ctx, in)
		assertCoverage(t, plan, in.Now)
		require.Len(t, plan.Phases, 2)
		assert.Equal(t, types.PhaseCheapCharge, plan.Phases[0].Phase)
		assert.True(t, plan.Phases[0].End.Equal(time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)))
		assert.Equal(t, types.PhaseSolarPriority, plan.Phases[1].Phase)
	})

	t.Run("FlatTariffChargesImmediately", func(t *testing.T) {
		in := eveningInput(t)
		in.Schedule = emptySchedule(t)

		plan := Plan(ctx, in)
		assertCoverage(t, plan, in.Now)
		assert.Equal(t, 60.0, plan.TargetSOC)

		// No window to size against: ladder maximum, just long enough for
		// 8.04 kWh at 5 kW = 96.48 min, rounded up.
		assert.Equal(t, 5000, plan.ChargePowerW)
		require.Len(t, plan.Phases, 2)
		assert.Equal(t, types.PhaseCheapCharge, plan.Phases[0].Phase)
		assert.True(t, plan.Phases[0].End.Equal(in.Now.Add(97*time.Minute)))
		assert.Equal(t, types.PhaseSolarPriority, plan.Phases[1].Phase)
	})

	t.Run("Deterministic", func(t *testing.T) {
		schedules := map[string]*tariff.Schedule{
			"french": frenchSchedule(t),
			"empty":  emptySchedule(t),
		}
		for name, s := range schedules {
			for hour := 0; hour < 24; hour += 3 {
				in := eveningInput(t)
				in.Schedule = s
				in.Now = time.Date(2026, 3, 2, hour, 17, 0, 0, time.UTC)

				first := Plan(ctx, in)
				second := Plan(ctx, in)
				assert.Equal(t, first, second, "%s schedule at hour %d", name, hour)
				assertCoverage(t, first, in.Now)
			}
		}
	})
}

func TestPlanFailsClosed(t *testing.T) {
	ctx := context.Background()

	in := eveningInput(t)
	in.CapacityKWH = 0

	plan := Plan(ctx, in)
	assert.Zero(t, plan.TargetSOC)
	assert.Zero(t, plan.ChargePowerW)
	require.Len(t, plan.Phases, 1)
	assert.Equal(t, types.PhaseHold, plan.Phases[0].Phase)
	assert.True(t, plan.Phases[0].End.Equal(in.Now.Add(24*time.Hour)))
	assert.Contains(t, plan.Reasoning, "capacity unavailable")
}
