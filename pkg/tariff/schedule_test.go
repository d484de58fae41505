package tariff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunpilot/sunpilot/pkg/types"
)

func frenchPeriods() []types.TariffPeriod {
	return []types.TariffPeriod{
		{Label: "hc_night", Start: "23:00", End: "02:00", EurosPerKWH: 0.21},
		{Label: "hsc", Start: "02:00", End: "06:00", EurosPerKWH: 0.16},
		{Label: "hc_morning", Start: "06:00", End: "07:00", EurosPerKWH: 0.21},
	}
}

func TestPeriodAt(t *testing.T) {
	s, err := New(frenchPeriods(), 0.27)
	require.NoError(t, err)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, time.UTC)
	}

	tests := []struct {
		name  string
		t     time.Time
		label string
		price float64
	}{
		{"inside wrapped before midnight", at(23, 30), "hc_night", 0.21},
		{"inside wrapped after midnight", at(1, 59), "hc_night", 0.21},
		{"wrapped end is exclusive", at(2, 0), "hsc", 0.16},
		{"start is inclusive", at(6, 0), "hc_morning", 0.21},
		{"end is exclusive", at(7, 0), "peak", 0.27},
		{"middle of day is default", at(13, 0), "peak", 0.27},
		{"just before wrapped start", at(22, 59), "peak", 0.27},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := s.PeriodAt(tt.t)
			assert.Equal(t, tt.label, p.Label)
			assert.InDelta(t, tt.price, p.EurosPerKWH, 1e-9)
		})
	}
}

// TestPeriodAtWeekSweep walks a full week at minute resolution and verifies
// every instant resolves to exactly one configured period or the default, and
// that total covered time matches the configured window lengths.
func TestPeriodAtWeekSweep(t *testing.T) {
	s, err := New(frenchPeriods(), 0.27)
	require.NoError(t, err)

	known := map[string]bool{"hc_night": true, "hsc": true, "hc_morning": true, DefaultLabel: true}
	counts := map[string]int{}

	start := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	for cur := start; cur.Before(start.AddDate(0, 0, 7)); cur = cur.Add(time.Minute) {
		p := s.PeriodAt(cur)
		require.True(t, known[p.Label], "unexpected label %q at %s", p.Label, cur)
		counts[p.Label]++
	}

	// 3h + 4h + 1h configured per day, 16h default
	assert.Equal(t, 7*3*60, counts["hc_night"])
	assert.Equal(t, 7*4*60, counts["hsc"])
	assert.Equal(t, 7*1*60, counts["hc_morning"])
	assert.Equal(t, 7*16*60, counts[DefaultLabel])
}

func TestOverlapFirstDeclaredWins(t *testing.T) {
	s, err := New([]types.TariffPeriod{
		{Label: "first", Start: "10:00", End: "14:00", EurosPerKWH: 0.10},
		{Label: "second", Start: "12:00", End: "16:00", EurosPerKWH: 0.05},
	}, 0.27)
	require.NoError(t, err)

	at := func(h int) time.Time {
		return time.Date(2026, 5, 1, h, 0, 0, 0, time.UTC)
	}

	assert.Equal(t, "first", s.PeriodAt(at(11)).Label)
	// overlap region goes to the first declared period
	assert.Equal(t, "first", s.PeriodAt(at(13)).Label)
	assert.Equal(t, "second", s.PeriodAt(at(15)).Label)
	assert.Equal(t, DefaultLabel, s.PeriodAt(at(16)).Label)
}

func TestNoPeriodsConfigured(t *testing.T) {
	s, err := New(nil, 0.30)
	require.NoError(t, err)

	p := s.PeriodAt(time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC))
	assert.Equal(t, DefaultLabel, p.Label)
	assert.True(t, p.Default)
	assert.InDelta(t, 0.30, p.EurosPerKWH, 1e-9)
	assert.False(t, s.InAnyPeriod(time.Now()))

	_, ok := s.Cheapest()
	assert.False(t, ok)
}

func TestCheapest(t *testing.T) {
	s, err := New(frenchPeriods(), 0.27)
	require.NoError(t, err)

	p, ok := s.Cheapest()
	require.True(t, ok)
	assert.Equal(t, "hsc", p.Label)

	t.Run("tie resolves to declaration order", func(t *testing.T) {
		s, err := New([]types.TariffPeriod{
			{Label: "a", Start: "01:00", End: "02:00", EurosPerKWH: 0.10},
			{Label: "b", Start: "03:00", End: "04:00", EurosPerKWH: 0.10},
		}, 0.27)
		require.NoError(t, err)
		p, ok := s.Cheapest()
		require.True(t, ok)
		assert.Equal(t, "a", p.Label)
	})
}

func TestNextStart(t *testing.T) {
	s, err := New(frenchPeriods(), 0.27)
	require.NoError(t, err)

	after := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	start, ok := s.NextStart("hc_night", after)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC), start)

	// hsc starts at 02:00 which already passed today
	start, ok = s.NextStart("hsc", after)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC), start)

	// at-or-after: asking exactly at the boundary returns the boundary
	boundary := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	start, ok = s.NextStart("hc_night", boundary)
	require.True(t, ok)
	assert.Equal(t, boundary, start)

	_, ok = s.NextStart("nope", after)
	assert.False(t, ok)
}

func TestNewRejectsMalformedPeriods(t *testing.T) {
	_, err := New([]types.TariffPeriod{
		{Label: "bad", Start: "24:00", End: "02:00"},
	}, 0.27)
	require.Error(t, err)

	_, err = New([]types.TariffPeriod{
		{Label: "bad", Start: "08:00", End: "08:00"},
	}, 0.27)
	require.Error(t, err)
}

func TestDurationMinutes(t *testing.T) {
	assert.Equal(t, 180, Period{StartMinute: 23 * 60, EndMinute: 2 * 60}.DurationMinutes())
	assert.Equal(t, 240, Period{StartMinute: 2 * 60, EndMinute: 6 * 60}.DurationMinutes())
}
