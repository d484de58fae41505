package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/sunpilot/sunpilot/pkg/consumption"
	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/storage"
	"github.com/sunpilot/sunpilot/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	settings := types.DefaultSettings()
	if err := s.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", "error", err)
		os.Exit(1)
	}

	// Simulation state
	const (
		BatteryCapacityKWH = 13.4
		ChargePowerW       = 2500
		TargetSOC          = 80
		MinSOC             = 20
		SolarPeakW         = 5200.0
		HomeBaseW          = 450.0
		HeaterPowerW       = 2000.0
	)
	currentSOC := 45.0

	now := time.Now()
	// Midnight to now
	start := now.Truncate(24 * time.Hour)

	learner := consumption.NewLearner()
	heaterOn := false
	var heaterKWH, producedKWH float64
	var prevPhase types.ChargePhase
	havePhase := false

	for t := start; t.Before(now); t = t.Add(time.Hour) {
		hour := t.Hour()

		// Solar (bell curve around early afternoon)
		solarW := 0.0
		if hour > 7 && hour < 21 {
			dist := math.Abs(float64(hour) - 13.5)
			solarW = SolarPeakW * math.Exp(-(dist*dist)/10.0)
		}

		// Home usage with morning and evening humps
		consumptionW := HomeBaseW + rng.Float64()*200
		if hour >= 7 && hour < 9 {
			consumptionW += 800 // Breakfast
		} else if hour >= 18 && hour < 22 {
			consumptionW += 1500 // Evening activities
		}
		if heaterOn {
			consumptionW += HeaterPowerW
		}
		learner.Record(ctx, t, consumptionW)

		// Phase per a plausible nightly plan over the French tariff windows
		var phase types.ChargePhase
		switch {
		case hour < 2 || hour == 23:
			phase = types.PhaseOffPeakCharge
		case hour < 6:
			phase = types.PhaseCheapCharge
		case hour == 6:
			phase = types.PhaseOffPeakCharge
		case hour >= 10 && hour < 17:
			phase = types.PhaseSolarPriority
		default:
			phase = types.PhaseHold
		}

		// Battery activity
		batteryW := 0.0
		switch phase {
		case types.PhaseOffPeakCharge, types.PhaseCheapCharge:
			if currentSOC < TargetSOC {
				batteryW = ChargePowerW
			}
		case types.PhaseSolarPriority:
			// Surplus charges the battery, deficit drains it
			batteryW = solarW - consumptionW
		case types.PhaseHold:
			// Discharge held back, the house runs on solar and grid
		}

		// Update SOC based on batteryW (kWh = kW * 1h)
		currentSOC += (batteryW / 1000.0) / BatteryCapacityKWH * 100.0
		if currentSOC > 100 {
			currentSOC = 100
			batteryW = 0
		}
		if currentSOC < MinSOC {
			currentSOC = MinSOC
			batteryW = 0
		}

		producedKWH += solarW / 1000.0
		if heaterOn {
			heaterKWH += HeaterPowerW / 1000.0
		}

		gridW := consumptionW + batteryW - solarW

		// Log a battery decision whenever the phase flips, shaped like the
		// engine's own entries
		if !havePhase || phase != prevPhase {
			havePhase = true
			prevPhase = phase

			cmd := types.BatteryCommand{MinSOC: MinSOC, MaxSOC: 100}
			var reason string
			switch phase {
			case types.PhaseOffPeakCharge, types.PhaseCheapCharge:
				cmd.PreventDischarge = true
				cmd.AllowGridCharge = true
				cmd.ChargePowerW = ChargePowerW
				cmd.MaxSOC = TargetSOC
				reason = fmt.Sprintf("%s: charging at %d W toward %d%%", phase, ChargePowerW, TargetSOC)
			case types.PhaseSolarPriority:
				reason = "solar priority: battery and solar carry the house"
			default:
				cmd.PreventDischarge = true
				reason = "hold: conserving charge until the charge window"
			}

			if err := s.InsertDecision(ctx, types.Decision{
				Timestamp: t,
				Kind:      types.DecisionBattery,
				Phase:     phase,
				Command:   &cmd,
				Reason:    reason,
			}); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed decision", "error", err)
				os.Exit(1)
			}
		}

		// Heater rides the midday export surplus
		exportW := solarW - consumptionW - math.Max(batteryW, 0)
		wantHeater := heaterOn
		if !heaterOn && exportW > 2300 {
			wantHeater = true
		} else if heaterOn && exportW < HeaterPowerW/2 {
			wantHeater = false
		}
		if wantHeater != heaterOn {
			heaterOn = wantHeater
			on := heaterOn
			word := "off"
			rule := types.HeaterRuleExportLost
			if on {
				word = "on"
				rule = types.HeaterRuleExportSurplus
			}
			if err := s.InsertDecision(ctx, types.Decision{
				Timestamp: t,
				Kind:      types.DecisionHeater,
				HeaterOn:  &on,
				Reason:    fmt.Sprintf("water heater %s (%s)", word, rule),
			}); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed decision", "error", err)
				os.Exit(1)
			}
		}

		fmt.Printf("Seeded hour %s: %s (SOC: %.0f%%, Solar: %.1fkW, Grid: %.1fkW)\n",
			t.Format(time.Kitchen), prevPhase, currentSOC, solarW/1000.0, gridW/1000.0)
	}

	// A plan for tonight plus accuracy history so the API has something to
	// show right away
	planStart := start.Add(21 * time.Hour)
	plan := &types.OptimizationPlan{
		TargetSOC:    TargetSOC,
		ChargePowerW: ChargePowerW,
		Phases: []types.PlanPhase{
			{Phase: types.PhaseHold, Start: planStart, End: start.Add(23 * time.Hour)},
			{Phase: types.PhaseOffPeakCharge, Start: start.Add(23 * time.Hour), End: start.Add(26 * time.Hour)},
			{Phase: types.PhaseCheapCharge, Start: start.Add(26 * time.Hour), End: start.Add(30 * time.Hour)},
			{Phase: types.PhaseOffPeakCharge, Start: start.Add(30 * time.Hour), End: start.Add(31 * time.Hour)},
			{Phase: types.PhaseSolarPriority, Start: start.Add(34 * time.Hour), End: start.Add(41 * time.Hour)},
		},
		Reasoning:  "deficit 6.2 kWh, charging 2.5 kW over the 8h window",
		ComputedAt: planStart,
	}

	outcomes := map[string][]types.AccuracyOutcome{}
	predictions := map[string]float64{}
	for sourceID, bias := range map[string]float64{
		"solcast":        1.03,
		"forecast_solar": 1.18,
		"open_meteo":     0.91,
	} {
		for d := 7; d >= 1; d-- {
			day := start.AddDate(0, 0, -d)
			actual := 9.0 + rng.Float64()*6.0
			outcomes[sourceID] = append(outcomes[sourceID], types.AccuracyOutcome{
				Date:         day.Format("2006-01-02"),
				PredictedKWH: actual*bias + rng.Float64() - 0.5,
				ActualKWH:    actual,
			})
		}
		predictions[sourceID] = producedKWH * bias
	}

	heaterRule := types.HeaterRuleHold
	if heaterOn {
		heaterRule = types.HeaterRuleExportSurplus
	}
	state := types.SavedState{
		Buckets:  learner.Snapshot(),
		Outcomes: outcomes,
		Heater: types.WaterHeaterState{
			On:             heaterOn,
			ActiveRule:     heaterRule,
			DailyEnergyKWH: heaterKWH,
		},
		LastPlan:         plan,
		DayPredictions:   predictions,
		ProducedTodayKWH: producedKWH,
		SavedAt:          now,
	}
	if err := s.SetSavedState(ctx, state); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed saved state", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}
