package consumption

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// monday returns a fixed Monday at the given hour.
func monday(hour int) time.Time {
	return time.Date(2026, 3, 9, hour, 30, 0, 0, time.UTC)
}

func TestRecordConvergence(t *testing.T) {
	ctx := context.Background()

	t.Run("identical observations from scratch", func(t *testing.T) {
		l := NewLearner()
		for i := 0; i < 50; i++ {
			l.Record(ctx, monday(10), 800)
		}
		mean, ok := l.MeanW(monday(10))
		require.True(t, ok)
		assert.InDelta(t, 800, mean, 1e-9)
		assert.InDelta(t, 0, l.Variance(monday(10)), 1e-9)
	})

	t.Run("mean converges after a divergent start", func(t *testing.T) {
		l := NewLearner()
		l.Record(ctx, monday(10), 100)
		for i := 0; i < 200; i++ {
			l.Record(ctx, monday(10), 800)
		}
		mean, ok := l.MeanW(monday(10))
		require.True(t, ok)
		assert.InDelta(t, 800, mean, 1)
	})

	t.Run("variance shrinks as identical observations accumulate", func(t *testing.T) {
		l := NewLearner()
		l.Record(ctx, monday(10), 100)
		for i := 0; i < 10; i++ {
			l.Record(ctx, monday(10), 800)
		}
		early := l.Variance(monday(10))
		for i := 0; i < 500; i++ {
			l.Record(ctx, monday(10), 800)
		}
		late := l.Variance(monday(10))
		assert.Greater(t, early, late)
	})
}

func TestBucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := NewLearner()

	l.Record(ctx, monday(10), 1000)
	// same hour on Tuesday lands in a different bucket
	l.Record(ctx, monday(10).AddDate(0, 0, 1), 200)

	mean, ok := l.MeanW(monday(10))
	require.True(t, ok)
	assert.InDelta(t, 1000, mean, 1e-9)

	mean, ok = l.MeanW(monday(10).AddDate(0, 0, 1))
	require.True(t, ok)
	assert.InDelta(t, 200, mean, 1e-9)

	_, ok = l.MeanW(monday(11))
	assert.False(t, ok)
}

func TestForecastKWHForDay(t *testing.T) {
	ctx := context.Background()

	t.Run("empty learner uses the default for every hour", func(t *testing.T) {
		l := NewLearner()
		// 24 hours at 500W = 12 kWh
		assert.InDelta(t, 12, l.ForecastKWHForDay(monday(0)), 1e-9)
	})

	t.Run("learned hours replace the default", func(t *testing.T) {
		l := NewLearner()
		l.Record(ctx, monday(8), 2000)
		// 23 default hours plus one learned: 11.5 + 2
		assert.InDelta(t, 13.5, l.ForecastKWHForDay(monday(0)), 1e-9)
		// other weekdays unaffected
		assert.InDelta(t, 12, l.ForecastKWHForDay(monday(0).AddDate(0, 0, 1)), 1e-9)
	})
}

func TestSeedFromHistory(t *testing.T) {
	ctx := context.Background()
	l := NewLearner()

	hourly := make([]float64, 24)
	for h := range hourly {
		hourly[h] = 1000
	}
	l.SeedFromHistory(ctx, hourly, monday(0))

	assert.InDelta(t, 24, l.ForecastKWHForDay(monday(0)), 1e-9)

	// seeding again nudges the buckets instead of overwriting: EMA toward the
	// same value is a no-op
	l.SeedFromHistory(ctx, hourly, monday(0))
	assert.InDelta(t, 24, l.ForecastKWHForDay(monday(0)), 1e-9)
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	l := NewLearner()
	l.Record(ctx, monday(10), 700)
	l.Record(ctx, monday(10), 900)
	l.Record(ctx, monday(15), 300)

	snap := l.Snapshot()
	require.Len(t, snap, 2)

	restored := NewLearner()
	restored.Restore(snap)

	wantMean, ok := l.MeanW(monday(10))
	require.True(t, ok)
	gotMean, ok := restored.MeanW(monday(10))
	require.True(t, ok)
	assert.InDelta(t, wantMean, gotMean, 1e-9)
	assert.InDelta(t, l.Variance(monday(10)), restored.Variance(monday(10)), 1e-9)
}
