package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sunpilot/sunpilot/pkg/forecast"
	"github.com/sunpilot/sunpilot/pkg/heater"
	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/planner"
	"github.com/sunpilot/sunpilot/pkg/safety"
	"github.com/sunpilot/sunpilot/pkg/types"
)

// cycle runs one intraday pass: integrate counters, learn, evaluate safety,
// replan if due, and drive the battery and heater. It is only ever called
// from the engine's own loop (and from tests), never concurrently.
func (e *Engine) cycle(ctx context.Context, now time.Time) {
	e.mu.Lock()
	settings := e.settings
	schedule := e.schedule
	loc := e.loc
	e.mu.Unlock()
	if schedule == nil {
		// no settings applied yet, nothing sane to decide
		return
	}
	nowLocal := now.In(loc)

	e.rolloverDay(ctx, nowLocal)

	sample, haveSample := e.stream.Latest()
	lastSeen := e.stream.LastSeen()
	fresh := haveSample && now.Sub(lastSeen) <= telemetryFreshFor

	// Elapsed time since the previous pass, for the energy integrals. A gap
	// past the cap (suspend, crash) integrates nothing.
	var dt time.Duration
	e.mu.Lock()
	if !e.lastCycleAt.IsZero() {
		dt = now.Sub(e.lastCycleAt)
	}
	e.lastCycleAt = now
	e.mu.Unlock()
	if dt < 0 || dt > maxIntegrationStep {
		if dt > maxIntegrationStep {
			log.Ctx(ctx).WarnContext(ctx, "cycle gap too large, skipping energy integration",
				slog.Duration("gap", dt),
			)
		}
		dt = 0
	}

	heaterWasOn := e.heater.State().On

	if fresh && dt > 0 {
		e.mu.Lock()
		e.producedTodayKWH += sample.SolarW * dt.Hours() / 1000
		e.mu.Unlock()
	}
	if fresh {
		e.learner.Record(ctx, nowLocal, sample.ConsumptionW)
	}

	e.safety.Reconfigure(math.Max(criticalFloorMin, settings.MinSOCFor(nowLocal)-criticalFloorOffset))
	verdict := e.safety.Evaluate(ctx, safety.Inputs{
		Now:         now,
		BatterySOC:  sample.BatterySOC,
		BatterySOH:  sample.BatterySOH,
		Discharging: sample.BatteryPowerW < 0,
		LastSeen:    lastSeen,
	})
	e.mu.Lock()
	e.verdict = verdict
	e.mu.Unlock()

	e.maybePlan(ctx, nowLocal, settings, sample, haveSample)
	e.driveBattery(ctx, nowLocal, settings, verdict, sample)
	e.driveHeater(ctx, nowLocal, settings, sample, fresh, dt, heaterWasOn)
}

// rolloverDay detects the local-midnight boundary: yesterday's forecast
// predictions get scored against measured production and the daily counters
// start over.
func (e *Engine) rolloverDay(ctx context.Context, nowLocal time.Time) {
	day := truncateDay(nowLocal)

	e.mu.Lock()
	if e.currentDay.IsZero() {
		e.currentDay = day
		e.mu.Unlock()
		return
	}
	if day.Equal(e.currentDay) {
		e.mu.Unlock()
		return
	}
	yesterday := e.currentDay
	produced := e.producedTodayKWH
	predictions := e.dayPredictions
	e.currentDay = day
	e.producedTodayKWH = 0
	e.dayPredictions = nil
	e.mu.Unlock()

	for id, predicted := range predictions {
		e.tracker.RecordOutcome(ctx, id, predicted, produced, yesterday)
	}
	e.heater.ResetDaily()

	log.Ctx(ctx).InfoContext(ctx, "daily rollover",
		slog.Time("day", yesterday),
		slog.Float64("producedKWH", produced),
		slog.Int("scoredSources", len(predictions)),
	)
}

// maybePlan recomputes the charge plan when there is none, when the current
// one ran out, or once per day at the configured planning hour.
func (e *Engine) maybePlan(ctx context.Context, nowLocal time.Time, settings types.Settings, sample types.TelemetrySample, haveSample bool) {
	e.mu.Lock()
	plan := e.plan
	lastPlanDay := e.lastPlanDay
	schedule := e.schedule
	e.mu.Unlock()

	nightly := nowLocal.Hour() == settings.PlanHourLocal && !truncateDay(nowLocal).Equal(lastPlanDay)
	var trigger string
	switch {
	case plan == nil:
		trigger = "no plan yet"
	case len(plan.Phases) == 0 || !nowLocal.Before(plan.Phases[len(plan.Phases)-1].End):
		trigger = "previous plan expired"
	case nightly:
		trigger = "nightly planning hour"
	default:
		return
	}

	if !haveSample {
		log.Ctx(ctx).WarnContext(ctx, "planning skipped, no telemetry yet",
			slog.String("trigger", trigger),
		)
		return
	}

	capacity := sample.CapacityKWH
	if capacity <= 0 {
		capacity = settings.BatteryCapacityKWH
	}

	ens, ok := e.ensemble.Latest()
	if !ok {
		// never merged anything: plan as if no production were coming, with
		// the single-source buffer on top
		ens = types.EnsembleForecast{Confidence: types.ConfidenceLow}
	}

	// Evening plans cover tomorrow, a morning replan is still about today.
	// This mirrors which forecast day the planner charges for.
	consumptionDay := nowLocal
	if nowLocal.Hour() >= 12 {
		consumptionDay = nowLocal.AddDate(0, 0, 1)
	}

	p := planner.Plan(ctx, planner.Input{
		Now:            nowLocal,
		Ensemble:       ens,
		ConsumptionKWH: e.learner.ForecastKWHForDay(consumptionDay),
		CurrentSOC:     sample.BatterySOC,
		CapacityKWH:    capacity,
		Schedule:       schedule,
		Season:         settings.SeasonFor(nowLocal),
		MinSOCFloor:    settings.MinSOCFor(nowLocal),
	})

	e.mu.Lock()
	e.plan = &p
	if nightly {
		e.lastPlanDay = truncateDay(nowLocal)
	}
	e.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "charge plan computed",
		slog.String("trigger", trigger),
		slog.Float64("targetSOC", p.TargetSOC),
		slog.Int("chargePowerW", p.ChargePowerW),
		slog.String("reasoning", p.Reasoning),
	)
	e.logDecision(ctx, types.Decision{
		Timestamp: nowLocal,
		Kind:      types.DecisionBattery,
		Reason:    fmt.Sprintf("plan (%s): %s", trigger, p.Reasoning),
	})
}

// driveBattery turns the safety verdict and the plan's current phase into one
// battery command. Commands are applied every cycle (the controller dedups);
// the decision log only gets an entry when the command actually changes.
func (e *Engine) driveBattery(ctx context.Context, nowLocal time.Time, settings types.Settings, verdict types.SafetyVerdict, sample types.TelemetrySample) {
	e.mu.Lock()
	plan := e.plan
	wasAuto := e.autoMode
	e.mu.Unlock()

	if verdict.FallbackToAuto {
		if wasAuto {
			return
		}
		e.mu.Lock()
		e.autoMode = true
		e.lastCommand = nil
		e.lastPhase = ""
		e.mu.Unlock()

		reason := verdict.Reason
		if settings.Pause {
			log.Ctx(ctx).InfoContext(ctx, "paused, skipping automatic-mode handback")
		} else if err := e.battery.SetAutomatic(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to hand battery back to automatic mode", slog.Any("error", err))
			reason += fmt.Sprintf(" (FAILED: %v)", err)
			e.mu.Lock()
			e.autoMode = false // retry next cycle
			e.mu.Unlock()
		}
		e.logDecision(ctx, types.Decision{
			Timestamp: nowLocal,
			Kind:      types.DecisionSafety,
			Reason:    reason,
		})
		return
	}
	if wasAuto {
		e.mu.Lock()
		e.autoMode = false
		e.mu.Unlock()
		e.logDecision(ctx, types.Decision{
			Timestamp: nowLocal,
			Kind:      types.DecisionSafety,
			Reason:    "telemetry restored, resuming control",
		})
	}

	floor := int(math.Round(settings.MinSOCFor(nowLocal)))
	kind := types.DecisionBattery
	var phase types.ChargePhase
	var cmd types.BatteryCommand
	var reason string

	switch {
	case verdict.EmergencyStop:
		kind = types.DecisionSafety
		cmd = types.BatteryCommand{
			PreventDischarge: true,
			MinSOC:           int(math.Round(e.safety.CriticalSOC())),
			MaxSOC:           100,
		}
		reason = verdict.Reason
	case plan == nil:
		phase = types.PhaseHold
		cmd = types.BatteryCommand{
			PreventDischarge: true,
			MinSOC:           floor,
			MaxSOC:           100,
		}
		reason = "no charge plan yet, holding"
	default:
		phase = plan.PhaseAt(nowLocal)
		target := int(math.Round(plan.TargetSOC))
		switch phase {
		case types.PhaseOffPeakCharge, types.PhaseCheapCharge:
			if sample.BatterySOC >= plan.TargetSOC {
				cmd = types.BatteryCommand{
					PreventDischarge: true,
					MinSOC:           floor,
					MaxSOC:           target,
				}
				reason = fmt.Sprintf("%s: target %d%% reached, charge stopped", phase, target)
			} else {
				cmd = types.BatteryCommand{
					PreventDischarge: true,
					AllowGridCharge:  true,
					ChargePowerW:     plan.ChargePowerW,
					MinSOC:           floor,
					MaxSOC:           target,
				}
				reason = fmt.Sprintf("%s: charging at %d W toward %d%%", phase, plan.ChargePowerW, target)
			}
		case types.PhaseSolarPriority:
			cmd = types.BatteryCommand{
				MinSOC: floor,
				MaxSOC: 100,
			}
			reason = "solar priority: battery and solar carry the house"
		default:
			cmd = types.BatteryCommand{
				PreventDischarge: true,
				MinSOC:           floor,
				MaxSOC:           100,
			}
			reason = "hold: conserving charge until the charge window"
		}
	}

	e.mu.Lock()
	changed := e.lastCommand == nil || *e.lastCommand != cmd || e.lastPhase != phase
	e.lastCommand = &cmd
	e.lastPhase = phase
	e.mu.Unlock()

	failed := false
	if settings.Pause {
		log.Ctx(ctx).DebugContext(ctx, "paused, skipping battery command",
			slog.String("phase", string(phase)),
		)
	} else if err := e.battery.Apply(ctx, cmd); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to apply battery command", slog.Any("error", err))
		reason += fmt.Sprintf(" (FAILED: %v)", err)
		failed = true
	}

	if changed || failed {
		e.logDecision(ctx, types.Decision{
			Timestamp: nowLocal,
			Kind:      kind,
			Phase:     phase,
			Command:   &cmd,
			Reason:    reason,
		})
	}
}

// driveHeater accrues the heater's energy for the elapsed slice, re-evaluates
// the rule table against live readings, and switches the relay on a
// transition.
func (e *Engine) driveHeater(ctx context.Context, nowLocal time.Time, settings types.Settings, sample types.TelemetrySample, fresh bool, dt time.Duration, wasOn bool) {
	if wasOn && dt > 0 {
		e.heater.AddDailyEnergy(e.heater.PowerW() * dt.Hours() / 1000)
	}

	if !fresh {
		// surplus rules need live readings; the relay keeps its last state
		log.Ctx(ctx).DebugContext(ctx, "telemetry not fresh, skipping heater evaluation")
		return
	}

	e.mu.Lock()
	schedule := e.schedule
	e.mu.Unlock()

	var forecastKWH float64
	if ens, ok := e.ensemble.Latest(); ok {
		forecastKWH = forecast.WindowKWH(ens.Hours, nowLocal, 2*time.Hour)
	}
	period := schedule.PeriodAt(nowLocal)
	cheapest, haveCheapest := schedule.Cheapest()

	next := e.heater.Evaluate(ctx, heater.Inputs{
		Now:            nowLocal,
		GridExportW:    sample.GridExportW(),
		GridImportW:    sample.GridImportW(),
		BatteryChargeW: math.Max(0, sample.BatteryPowerW),
		ConsumptionW:   sample.ConsumptionW,
		SolarW:         sample.SolarW,
		BatterySOC:     sample.BatterySOC,
		SolarNext2hKWH: forecastKWH,
		OffPeak:        !period.Default,
		Cheapest:       haveCheapest && period.Label == cheapest.Label,
	})
	if next.On == wasOn {
		return
	}

	word := "off"
	if next.On {
		word = "on"
	}
	reason := fmt.Sprintf("water heater %s (%s)", word, next.ActiveRule)

	if settings.Pause {
		log.Ctx(ctx).DebugContext(ctx, "paused, skipping heater relay command",
			slog.Bool("on", next.On),
		)
	} else if err := e.battery.SetHeater(ctx, next.On); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to switch water heater", slog.Any("error", err))
		reason += fmt.Sprintf(" (FAILED: %v)", err)
	}

	on := next.On
	e.logDecision(ctx, types.Decision{
		Timestamp: nowLocal,
		Kind:      types.DecisionHeater,
		HeaterOn:  &on,
		Reason:    reason,
	})
}

// refreshForecasts fetches every source, reweights the ensemble from the
// accuracy windows, and merges. Each source's first prediction of the day is
// pinned for scoring at the next rollover.
func (e *Engine) refreshForecasts(ctx context.Context, now time.Time) {
	e.mu.Lock()
	loc := e.loc
	e.mu.Unlock()
	nowLocal := now.In(loc)

	ids := make([]string, 0, len(e.sources))
	var samples []types.ForecastSample
	for _, src := range e.sources {
		ids = append(ids, src.ID())
		sample, err := src.Fetch(ctx)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "forecast fetch failed",
				slog.String("source", src.ID()),
				slog.Any("error", err),
			)
			continue
		}
		samples = append(samples, sample)
	}

	e.ensemble.SetWeights(e.tracker.Weights(nowLocal, ids))
	ens := e.ensemble.Refresh(ctx, nowLocal, samples)

	e.mu.Lock()
	day := truncateDay(nowLocal)
	if e.currentDay.IsZero() {
		e.currentDay = day
	}
	if day.Equal(e.currentDay) {
		if e.dayPredictions == nil {
			e.dayPredictions = make(map[string]float64)
		}
		for _, s := range samples {
			if len(s.Hours) == 0 {
				continue
			}
			// only the first prediction of the day counts, later refreshes of
			// the same day already peek at the weather
			if _, seen := e.dayPredictions[s.SourceID]; !seen {
				e.dayPredictions[s.SourceID] = forecast.DayTotalKWH(s.Hours, nowLocal)
			}
		}
	}
	e.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "forecasts refreshed",
		slog.Int("sources", len(samples)),
		slog.String("confidence", string(ens.Confidence)),
		slog.Float64("todayKWH", ens.TodayKWH),
		slog.Float64("tomorrowKWH", ens.TomorrowKWH),
	)
}

func (e *Engine) logDecision(ctx context.Context, d types.Decision) {
	if err := e.storage.InsertDecision(ctx, d); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record decision", slog.Any("error", err))
	}
}
