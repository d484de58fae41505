package tariff

import (
	"fmt"
	"time"

	"github.com/sunpilot/sunpilot/pkg/types"
)

// DefaultLabel is the label reported for time not covered by any configured
// period.
const DefaultLabel = "peak"

// Period is a parsed tariff window. StartMinute and EndMinute are minutes
// since local midnight; StartMinute greater than EndMinute means the window
// wraps past midnight into the next day.
type Period struct {
	Label       string
	StartMinute int
	EndMinute   int
	EurosPerKWH float64
	// Default is true for the synthetic period returned when no configured
	// window covers an instant.
	Default bool
}

// contains reports whether the given minute-of-day falls inside the window.
func (p Period) contains(minute int) bool {
	if p.StartMinute > p.EndMinute {
		return minute >= p.StartMinute || minute < p.EndMinute
	}
	return minute >= p.StartMinute && minute < p.EndMinute
}

// DurationMinutes returns the window length in minutes.
func (p Period) DurationMinutes() int {
	if p.StartMinute > p.EndMinute {
		return 24*60 - p.StartMinute + p.EndMinute
	}
	return p.EndMinute - p.StartMinute
}

// Schedule is an immutable set of tariff periods plus the default price.
// Reconfiguration builds a whole new Schedule; nothing here mutates after New.
type Schedule struct {
	periods      []Period
	defaultPrice float64
}

// New parses the configured periods into a Schedule. Declaration order is
// preserved: when periods overlap, the first declared period wins. That's the
// documented resolution for misconfigured overlaps, not an error.
func New(periods []types.TariffPeriod, defaultEurosPerKWH float64) (*Schedule, error) {
	s := &Schedule{defaultPrice: defaultEurosPerKWH}
	for _, p := range periods {
		start, err := types.ParseClock(p.Start)
		if err != nil {
			return nil, fmt.Errorf("period %q: %w", p.Label, err)
		}
		end, err := types.ParseClock(p.End)
		if err != nil {
			return nil, fmt.Errorf("period %q: %w", p.Label, err)
		}
		if start == end {
			return nil, fmt.Errorf("period %q: start and end are equal", p.Label)
		}
		s.periods = append(s.periods, Period{
			Label:       p.Label,
			StartMinute: start,
			EndMinute:   end,
			EurosPerKWH: p.EurosPerKWH,
		})
	}
	return s, nil
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// PeriodAt returns the period covering the instant, or the synthetic default
// ("peak" at the default price) when none does.
func (s *Schedule) PeriodAt(t time.Time) Period {
	m := minuteOfDay(t)
	for _, p := range s.periods {
		if p.contains(m) {
			return p
		}
	}
	return Period{
		Label:       DefaultLabel,
		EurosPerKWH: s.defaultPrice,
		Default:     true,
	}
}

// InAnyPeriod reports whether the instant falls inside a configured period.
func (s *Schedule) InAnyPeriod(t time.Time) bool {
	return !s.PeriodAt(t).Default
}

// Cheapest returns the configured period with the lowest price, or false when
// no periods are configured. Ties resolve to declaration order.
func (s *Schedule) Cheapest() (Period, bool) {
	if len(s.periods) == 0 {
		return Period{}, false
	}
	best := s.periods[0]
	for _, p := range s.periods[1:] {
		if p.EurosPerKWH < best.EurosPerKWH {
			best = p
		}
	}
	return best, true
}

// NextStart returns the next instant at or after `after` at which the named
// period begins. With duplicate labels the first declared period wins.
func (s *Schedule) NextStart(label string, after time.Time) (time.Time, bool) {
	for _, p := range s.periods {
		if p.Label != label {
			continue
		}
		start := time.Date(after.Year(), after.Month(), after.Day(),
			p.StartMinute/60, p.StartMinute%60, 0, 0, after.Location())
		if start.Before(after) {
			start = start.AddDate(0, 0, 1)
		}
		return start, true
	}
	return time.Time{}, false
}

// Periods returns the configured periods in declaration order.
func (s *Schedule) Periods() []Period {
	out := make([]Period, len(s.periods))
	copy(out, s.periods)
	return out
}

// DefaultPrice returns the price applied outside all configured periods.
func (s *Schedule) DefaultPrice() float64 {
	return s.defaultPrice
}
