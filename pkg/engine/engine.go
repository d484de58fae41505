package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/sunpilot/sunpilot/pkg/battery"
	"github.com/sunpilot/sunpilot/pkg/consumption"
	"github.com/sunpilot/sunpilot/pkg/forecast"
	"github.com/sunpilot/sunpilot/pkg/heater"
	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/safety"
	"github.com/sunpilot/sunpilot/pkg/storage"
	"github.com/sunpilot/sunpilot/pkg/tariff"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const (
	// telemetryFreshFor is how recent a sample must be to drive learning and
	// the heater. Safety has its own, longer thresholds.
	telemetryFreshFor = 5 * time.Minute
	// maxIntegrationStep caps the elapsed time credited to energy counters
	// so a suspended process doesn't integrate hours of phantom production.
	maxIntegrationStep = 15 * time.Minute

	// The emergency-stop threshold sits below the seasonal floor but never
	// under the absolute minimum.
	criticalFloorOffset = 10
	criticalFloorMin    = 10
)

// Telemetry is the live battery feed the engine reads. *telemetry.Stream
// implements it.
type Telemetry interface {
	Latest() (types.TelemetrySample, bool)
	LastSeen() time.Time
}

// Engine drives everything: it refreshes forecasts, computes the nightly
// charge plan, and runs the intraday safety/battery/heater cycle. All
// decisions funnel through here so they can be logged and paused in one
// place.
type Engine struct {
	stream  Telemetry
	battery battery.Controller
	storage storage.Database
	sources []forecast.Source

	tracker  *forecast.AccuracyTracker
	ensemble *forecast.Ensemble
	learner  *consumption.Learner
	heater   *heater.Decider
	safety   *safety.Monitor

	decideEvery   time.Duration
	forecastEvery time.Duration
	persistEvery  time.Duration

	mu       sync.Mutex
	settings types.Settings
	schedule *tariff.Schedule
	loc      *time.Location

	plan        *types.OptimizationPlan
	lastPlanDay time.Time
	verdict     types.SafetyVerdict
	autoMode    bool
	lastCommand *types.BatteryCommand
	lastPhase   types.ChargePhase
	lastCycleAt time.Time

	// Daily bookkeeping, reset at local midnight.
	currentDay       time.Time
	producedTodayKWH float64
	dayPredictions   map[string]float64
}

// Configured initializes the Engine with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(tel Telemetry, bat battery.Controller, db storage.Database, sources *forecast.Sources) *Engine {
	e := New(tel, bat, db, nil)

	decideEvery := lflag.Duration("decide-interval", 5*time.Minute, "How often the intraday control cycle runs")
	forecastEvery := lflag.Duration("forecast-interval", 4*time.Hour, "How often solar forecasts are refreshed")
	persistEvery := lflag.Duration("persist-interval", 15*time.Minute, "How often learned state is persisted")

	lflag.Do(func() {
		// sources resolve their own flags first, the list is final by now
		e.sources = sources.List()
		e.decideEvery = *decideEvery
		e.forecastEvery = *forecastEvery
		e.persistEvery = *persistEvery
	})

	return e
}

// New wires an Engine to its dependencies without registering flags. The
// periodic intervals stay zero; Run is only meaningful after Configured, but
// everything else works.
func New(tel Telemetry, bat battery.Controller, db storage.Database, sources []forecast.Source) *Engine {
	return &Engine{
		stream:   tel,
		battery:  bat,
		storage:  db,
		sources:  sources,
		tracker:  forecast.NewAccuracyTracker(),
		ensemble: forecast.NewEnsemble(),
		learner:  consumption.NewLearner(),
		heater:   heater.New(false, 0, 0),
		safety:   safety.New(criticalFloorMin),
		loc:      time.UTC,
	}
}

// Run loads persisted state and drives the periodic tasks until the context
// is canceled. On shutdown the battery is handed back to the vendor's
// automatic mode so a dead controller can't strand a manual command.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.loadState(ctx, time.Now()); err != nil {
		return err
	}

	forecastCtx := log.WithComponent(ctx, "forecast")
	decideCtx := log.WithComponent(ctx, "intraday")
	persistCtx := log.WithComponent(ctx, "persist")

	e.refreshForecasts(forecastCtx, time.Now())
	e.cycle(decideCtx, time.Now())

	forecastTicker := time.NewTicker(e.forecastEvery)
	defer forecastTicker.Stop()
	decideTicker := time.NewTicker(e.decideEvery)
	defer decideTicker.Stop()
	persistTicker := time.NewTicker(e.persistEvery)
	defer persistTicker.Stop()

	log.Ctx(ctx).InfoContext(ctx, "engine started",
		slog.Duration("decideEvery", e.decideEvery),
		slog.Duration("forecastEvery", e.forecastEvery),
		slog.Duration("persistEvery", e.persistEvery),
	)

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-forecastTicker.C:
			e.refreshForecasts(forecastCtx, time.Now())
		case <-decideTicker.C:
			e.cycle(decideCtx, time.Now())
		case <-persistTicker.C:
			e.persist(persistCtx, time.Now())
		}
	}
}

// loadState loads settings (falling back to defaults and migrating old
// versions) and restores the learned state snapshot.
func (e *Engine) loadState(ctx context.Context, now time.Time) error {
	settings, version, err := e.storage.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if version == 0 {
		settings = types.DefaultSettings()
		if err := e.storage.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to store default settings", slog.Any("error", err))
		}
		log.Ctx(ctx).InfoContext(ctx, "no stored settings, using defaults")
	} else {
		migrated, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			return fmt.Errorf("failed to migrate settings: %w", err)
		}
		if changed {
			settings = migrated
			if err := e.storage.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to store migrated settings", slog.Any("error", err))
			}
			log.Ctx(ctx).InfoContext(ctx, "migrated settings", slog.Int("fromVersion", version))
		}
	}
	if err := e.applySettings(settings); err != nil {
		return err
	}

	state, err := e.storage.GetSavedState(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load saved state, starting fresh", slog.Any("error", err))
		return nil
	}
	if state.SavedAt.IsZero() {
		return nil
	}

	e.learner.Restore(state.Buckets)
	e.tracker.Restore(state.Outcomes)
	e.heater.Restore(state.Heater)

	e.mu.Lock()
	e.plan = state.LastPlan
	if state.LastPlan != nil {
		e.lastPlanDay = truncateDay(state.LastPlan.ComputedAt.In(e.loc))
	}
	sameDay := truncateDay(state.SavedAt.In(e.loc)).Equal(truncateDay(now.In(e.loc)))
	if sameDay {
		e.currentDay = truncateDay(now.In(e.loc))
		e.producedTodayKWH = state.ProducedTodayKWH
		e.dayPredictions = state.DayPredictions
	}
	e.mu.Unlock()

	if !sameDay {
		// the snapshot is from another day, daily counters start over
		e.heater.ResetDaily()
	}

	log.Ctx(ctx).InfoContext(ctx, "restored saved state",
		slog.Time("savedAt", state.SavedAt),
		slog.Int("buckets", len(state.Buckets)),
		slog.Bool("hadPlan", state.LastPlan != nil),
	)
	return nil
}

// applySettings swaps in a new configuration. Derived pieces (tariff
// schedule, timezone, heater parameters) are rebuilt; learned state is
// untouched.
func (e *Engine) applySettings(settings types.Settings) error {
	schedule, err := tariff.New(settings.TariffPeriods, settings.DefaultTariffEurosPerKWH)
	if err != nil {
		return fmt.Errorf("invalid tariff periods: %w", err)
	}
	loc, err := settings.Location()
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	e.heater.Reconfigure(settings.HeaterEnabled, settings.HeaterPowerW, settings.HeaterDailyMinKWH)

	e.mu.Lock()
	e.settings = settings
	e.schedule = schedule
	e.loc = loc
	e.mu.Unlock()
	return nil
}

// Reconfigure validates, persists, and applies new settings. On any error
// the previous configuration stays active.
func (e *Engine) Reconfigure(ctx context.Context, settings types.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := e.storage.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
		return fmt.Errorf("failed to store settings: %w", err)
	}
	if err := e.applySettings(settings); err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "settings updated")
	return nil
}

// persist writes the learned-state snapshot so statistics and hysteresis
// survive a restart.
func (e *Engine) persist(ctx context.Context, now time.Time) {
	e.mu.Lock()
	plan := e.plan
	produced := e.producedTodayKWH
	predictions := make(map[string]float64, len(e.dayPredictions))
	for k, v := range e.dayPredictions {
		predictions[k] = v
	}
	e.mu.Unlock()

	state := types.SavedState{
		Buckets:          e.learner.Snapshot(),
		Outcomes:         e.tracker.Snapshot(),
		Heater:           e.heater.Snapshot(),
		LastPlan:         plan,
		DayPredictions:   predictions,
		ProducedTodayKWH: produced,
		SavedAt:          now,
	}
	if err := e.storage.SetSavedState(ctx, state); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist state", slog.Any("error", err))
	}
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	e.persist(ctx, time.Now())

	e.mu.Lock()
	pause := e.settings.Pause
	e.mu.Unlock()
	if !pause {
		e.logDecision(ctx, types.Decision{
			Timestamp: time.Now(),
			Kind:      types.DecisionBattery,
			Reason:    "shutting down, battery returned to automatic mode",
		})
		if err := e.battery.SetAutomatic(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to return battery to automatic mode", slog.Any("error", err))
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "engine stopped")
}

// Settings returns the active configuration.
func (e *Engine) Settings() types.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Plan returns a copy of the current charge plan, false when none has been
// computed yet.
func (e *Engine) Plan() (types.OptimizationPlan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plan == nil {
		return types.OptimizationPlan{}, false
	}
	return *e.plan, true
}

// Verdict returns the most recent safety evaluation.
func (e *Engine) Verdict() types.SafetyVerdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verdict
}

// HeaterState returns the water heater's current state.
func (e *Engine) HeaterState() types.WaterHeaterState {
	return e.heater.State()
}

// Forecast returns the latest merged forecast, false when no source has ever
// contributed.
func (e *Engine) Forecast() (types.EnsembleForecast, bool) {
	return e.ensemble.Latest()
}

// ForecastWeights returns the merge weights from the last refresh.
func (e *Engine) ForecastWeights() map[string]float64 {
	return e.ensemble.Weights()
}

// Telemetry returns the latest live sample, false when none has arrived.
func (e *Engine) Telemetry() (types.TelemetrySample, bool) {
	return e.stream.Latest()
}

// TelemetryLastSeen returns when the last live sample arrived.
func (e *Engine) TelemetryLastSeen() time.Time {
	return e.stream.LastSeen()
}

// ProducedTodayKWH returns solar production integrated since local midnight.
func (e *Engine) ProducedTodayKWH() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.producedTodayKWH
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
