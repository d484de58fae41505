package forecast

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

// Ensemble merges per-source forecast samples into a single hourly forecast
// using the accuracy tracker's weights. It performs no fetching itself; the
// engine hands it whatever the sources produced this cycle.
type Ensemble struct {
	mu      sync.Mutex
	weights map[string]float64
	last    types.EnsembleForecast
	hasLast bool
}

// NewEnsemble returns an Ensemble with no stored weights; until SetWeights is
// called, contributing sources are merged with equal weight.
func NewEnsemble() *Ensemble {
	return &Ensemble{}
}

// SetWeights replaces the stored merge weights.
func (e *Ensemble) SetWeights(w map[string]float64) {
	cp := make(map[string]float64, len(w))
	for id, v := range w {
		cp[id] = v
	}
	e.mu.Lock()
	e.weights = cp
	e.mu.Unlock()
}

// Weights returns a copy of the stored merge weights.
func (e *Ensemble) Weights() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make(map[string]float64, len(e.weights))
	for id, v := range e.weights {
		cp[id] = v
	}
	return cp
}

// Latest returns the most recent merged forecast.
func (e *Ensemble) Latest() (types.EnsembleForecast, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.hasLast
}

// cycleWeights picks this cycle's merge weight per contributing source.
// Stored weights are used when every contributor has one; a never-set table
// or an unknown (new) contributor falls back to equal weights for the cycle.
// Stored weights are never mutated here.
func (e *Ensemble) cycleWeights(contributing []types.ForecastSample) map[string]float64 {
	w := make(map[string]float64, len(contributing))

	complete := len(e.weights) > 0
	if complete {
		for _, s := range contributing {
			if _, ok := e.weights[s.SourceID]; !ok {
				complete = false
				break
			}
		}
	}

	if !complete {
		equal := 1 / float64(len(contributing))
		for _, s := range contributing {
			w[s.SourceID] = equal
		}
		return w
	}

	// renormalize over the sources that actually contributed this cycle
	var sum float64
	for _, s := range contributing {
		sum += e.weights[s.SourceID]
	}
	for _, s := range contributing {
		w[s.SourceID] = e.weights[s.SourceID] / sum
	}
	return w
}

// Refresh merges the given per-source samples into a new EnsembleForecast and
// makes it the latest. Sources that produced nothing this cycle are simply
// absent from the input; their stored weight survives for the next cycle.
func (e *Ensemble) Refresh(ctx context.Context, now time.Time, samples []types.ForecastSample) types.EnsembleForecast {
	e.mu.Lock()
	defer e.mu.Unlock()

	var contributing []types.ForecastSample
	for _, s := range samples {
		if len(s.Hours) > 0 {
			contributing = append(contributing, s)
		}
	}
	if len(contributing) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no forecast sources contributed, keeping previous ensemble")
		if e.hasLast {
			return e.last
		}
		return types.EnsembleForecast{GeneratedAt: now, Confidence: types.ConfidenceLow}
	}

	weights := e.cycleWeights(contributing)

	type acc struct {
		p10, p50, p90 float64
		weight        float64
	}
	merged := make(map[int64]*acc)
	for _, s := range contributing {
		w := weights[s.SourceID]
		for _, h := range s.Hours {
			key := h.Start.Truncate(time.Hour).Unix()
			a := merged[key]
			if a == nil {
				a = &acc{}
				merged[key] = a
			}
			a.p10 += w * h.P10W
			a.p50 += w * h.P50W
			a.p90 += w * h.P90W
			a.weight += w
		}
	}

	hours := make([]types.ForecastHour, 0, len(merged))
	for key, a := range merged {
		// hours not covered by every contributor renormalize over the weight
		// actually present for that hour
		hours = append(hours, types.ForecastHour{
			Start: time.Unix(key, 0).In(now.Location()),
			P10W:  a.p10 / a.weight,
			P50W:  a.p50 / a.weight,
			P90W:  a.p90 / a.weight,
		})
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Start.Before(hours[j].Start) })

	confidence := types.ConfidenceLow
	switch {
	case len(contributing) >= 3:
		confidence = types.ConfidenceHigh
	case len(contributing) == 2:
		confidence = types.ConfidenceMedium
	}

	sources := make([]string, 0, len(contributing))
	for _, s := range contributing {
		sources = append(sources, s.SourceID)
	}
	sort.Strings(sources)

	f := types.EnsembleForecast{
		GeneratedAt: now,
		Sources:     sources,
		Confidence:  confidence,
		TodayKWH:    DayTotalKWH(hours, now),
		TomorrowKWH: DayTotalKWH(hours, now.AddDate(0, 0, 1)),
		Hours:       hours,
	}
	e.last = f
	e.hasLast = true

	log.Ctx(ctx).DebugContext(ctx, "ensemble refreshed",
		slog.Int("sources", len(contributing)),
		slog.String("confidence", string(confidence)),
		slog.Float64("todayKWH", f.TodayKWH),
		slog.Float64("tomorrowKWH", f.TomorrowKWH),
	)
	return f
}

// DayTotalKWH sums the median hourly values falling on the given local
// calendar day. Each entry is an average watt figure over one hour, so the
// total is the plain sum divided by 1000.
func DayTotalKWH(hours []types.ForecastHour, day time.Time) float64 {
	date := day.Format("2006-01-02")
	var wh float64
	for _, h := range hours {
		if h.Start.In(day.Location()).Format("2006-01-02") == date {
			wh += h.P50W
		}
	}
	return wh / 1000
}

// WindowKWH integrates the median forecast over [from, from+d), counting
// partial overlap with the first and last hourly buckets.
func WindowKWH(hours []types.ForecastHour, from time.Time, d time.Duration) float64 {
	until := from.Add(d)
	var wh float64
	for _, h := range hours {
		start, end := h.Start, h.Start.Add(time.Hour)
		if start.Before(from) {
			start = from
		}
		if end.After(until) {
			end = until
		}
		if overlap := end.Sub(start).Hours(); overlap > 0 {
			wh += h.P50W * overlap
		}
	}
	return wh / 1000
}
