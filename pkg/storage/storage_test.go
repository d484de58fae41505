package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunpilot/sunpilot/pkg/types"
)

// runDatabaseTests exercises the Database contract shared by every provider.
func runDatabaseTests(t *testing.T, db Database) {
	ctx := context.Background()

	t.Run("SettingsRoundTrip", func(t *testing.T) {
		_, version, err := db.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, version, "empty store should report version 0")

		settings := types.DefaultSettings()
		settings.PlanHourLocal = 22
		require.NoError(t, db.SetSettings(ctx, settings, types.CurrentSettingsVersion))

		got, version, err := db.GetSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version)
		assert.Equal(t, 22, got.PlanHourLocal)
		assert.Equal(t, settings.BatteryCapacityKWH, got.BatteryCapacityKWH)
		assert.Equal(t, settings.TariffPeriods, got.TariffPeriods)
	})

	t.Run("SavedStateRoundTrip", func(t *testing.T) {
		got, err := db.GetSavedState(ctx)
		require.NoError(t, err)
		assert.True(t, got.SavedAt.IsZero(), "empty store should report zero state")

		state := types.SavedState{
			Buckets: []types.BucketState{
				{Day: 1, Hour: 8, MeanW: 450, Count: 3, WMean: 450, M2: 10},
			},
			Outcomes: map[string][]types.AccuracyOutcome{
				"solcast": {{Date: "2026-03-13", PredictedKWH: 12.5, ActualKWH: 11.9}},
			},
			ProducedTodayKWH: 3.25,
			SavedAt:          time.Now().UTC().Truncate(time.Second),
		}
		state.Heater.On = true
		state.Heater.DailyEnergyKWH = 1.5
		require.NoError(t, db.SetSavedState(ctx, state))

		got, err = db.GetSavedState(ctx)
		require.NoError(t, err)
		assert.Equal(t, state.SavedAt.Unix(), got.SavedAt.Unix())
		require.Len(t, got.Buckets, 1)
		assert.Equal(t, 450.0, got.Buckets[0].MeanW)
		require.Len(t, got.Outcomes["solcast"], 1)
		assert.Equal(t, 11.9, got.Outcomes["solcast"][0].ActualKWH)
		assert.True(t, got.Heater.On)
		assert.Equal(t, 1.5, got.Heater.DailyEnergyKWH)
		assert.Equal(t, 3.25, got.ProducedTodayKWH)
	})

	t.Run("DecisionLog", func(t *testing.T) {
		latest, err := db.GetLatestDecision(ctx)
		require.NoError(t, err)
		assert.Nil(t, latest, "empty log should have no latest decision")

		base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
		on := true
		decisions := []types.Decision{
			{
				Timestamp: base,
				Kind:      types.DecisionBattery,
				Phase:     types.PhaseOffPeakCharge,
				Command:   &types.BatteryCommand{PreventDischarge: true, AllowGridCharge: true, ChargePowerW: 2500, MinSOC: 20, MaxSOC: 60},
				Reason:    "charging to 60",
			},
			{
				Timestamp: base.Add(5 * time.Minute),
				Kind:      types.DecisionHeater,
				HeaterOn:  &on,
				Reason:    "solar surplus",
			},
			{
				Timestamp: base.Add(10 * time.Minute),
				Kind:      types.DecisionSafety,
				Reason:    "stale telemetry",
			},
		}
		for _, d := range decisions {
			require.NoError(t, db.InsertDecision(ctx, d))
		}

		got, err := db.GetDecisionHistory(ctx, base, base.Add(10*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 2, "range end should be exclusive")
		assert.Equal(t, types.DecisionBattery, got[0].Kind)
		require.NotNil(t, got[0].Command)
		assert.Equal(t, 2500, got[0].Command.ChargePowerW)
		assert.Equal(t, types.DecisionHeater, got[1].Kind)
		require.NotNil(t, got[1].HeaterOn)
		assert.True(t, *got[1].HeaterOn)

		latest, err = db.GetLatestDecision(ctx)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, types.DecisionSafety, latest.Kind)
		assert.Equal(t, "stale telemetry", latest.Reason)
	})
}

func TestMemory(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	runDatabaseTests(t, db)
}

func TestDisk(t *testing.T) {
	dir := t.TempDir()
	db := NewDisk(dir)
	require.NoError(t, db.Init())
	runDatabaseTests(t, db)

	t.Run("SurvivesReopen", func(t *testing.T) {
		require.NoError(t, db.Close())

		reopened := NewDisk(dir)
		require.NoError(t, reopened.Init())
		defer reopened.Close()

		_, version, err := reopened.GetSettings(context.Background())
		require.NoError(t, err)
		assert.Equal(t, types.CurrentSettingsVersion, version, "settings should survive a restart")

		state, err := reopened.GetSavedState(context.Background())
		require.NoError(t, err)
		assert.True(t, state.Heater.On, "learned state should survive a restart")

		latest, err := reopened.GetLatestDecision(context.Background())
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, types.DecisionSafety, latest.Kind)
	})

	t.Run("SkipsCorruptDecisionLines", func(t *testing.T) {
		// A crash can truncate the last line mid-append.
		f, err := os.OpenFile(filepath.Join(dir, diskDecisionsFile), os.O_WRONLY|os.O_APPEND, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString(`{"timestamp":"2026-03-14T09:2`)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		reopened := NewDisk(dir)
		require.NoError(t, reopened.Init())
		defer reopened.Close()

		latest, err := reopened.GetLatestDecision(context.Background())
		require.NoError(t, err, "corrupt line should be skipped, not fatal")
		require.NotNil(t, latest)
		assert.Equal(t, types.DecisionSafety, latest.Kind)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		bad := NewDisk("")
		assert.Error(t, bad.Init())
	})
}
