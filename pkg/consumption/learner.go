package consumption

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const (
	// alpha is the EMA smoothing factor for bucket means.
	alpha = 0.1

	// DefaultW is the consumption assumed for hours with no learned data yet.
	DefaultW = 500.0

	// Observations further than anomalySigma standard deviations from a warm
	// bucket's mean get a debug breadcrumb. They are still recorded; the EMA
	// absorbs one-off spikes on its own.
	anomalySigma      = 3.0
	anomalyMinSamples = 5
)

// bucket holds the running statistics for one (weekday, hour) slot. The mean
// used for forecasting is an EMA; variance comes from Welford accumulators
// updated alongside it, never from a second pass over history.
type bucket struct {
	meanW float64

	count int64
	wMean float64
	m2    float64
}

func (b *bucket) variance() float64 {
	if b.count < 2 {
		return 0
	}
	return b.m2 / float64(b.count-1)
}

// Learner estimates house consumption per (weekday, hour) slot from streamed
// observations. 168 buckets, created lazily on first observation.
type Learner struct {
	mu      sync.Mutex
	buckets map[int]*bucket
}

// NewLearner returns an empty Learner.
func NewLearner() *Learner {
	return &Learner{buckets: make(map[int]*bucket)}
}

func slot(t time.Time) int {
	return int(t.Weekday())*24 + t.Hour()
}

// Record folds one consumption observation (average watts) into the bucket
// for the observation's weekday and hour.
func (l *Learner) Record(ctx context.Context, at time.Time, watts float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := slot(at)
	b := l.buckets[k]
	if b == nil {
		b = &bucket{meanW: watts}
		l.buckets[k] = b
	} else {
		if b.count >= anomalyMinSamples {
			if sd := math.Sqrt(b.variance()); sd > 0 && math.Abs(watts-b.meanW) > anomalySigma*sd {
				log.Ctx(ctx).DebugContext(ctx, "consumption observation outside expected band",
					slog.Time("at", at),
					slog.Float64("watts", watts),
					slog.Float64("meanW", b.meanW),
					slog.Float64("stddevW", sd),
				)
			}
		}
		b.meanW = alpha*watts + (1-alpha)*b.meanW
	}

	b.count++
	delta := watts - b.wMean
	b.wMean += delta / float64(b.count)
	b.m2 += delta * (watts - b.wMean)
}

// MeanW returns the learned mean for the instant's bucket, or false if the
// bucket has never been observed.
func (l *Learner) MeanW(at time.Time) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[slot(at)]
	if b == nil {
		return 0, false
	}
	return b.meanW, true
}

// Variance returns the sample variance for the instant's bucket (0 until the
// bucket has at least two observations).
func (l *Learner) Variance(at time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[slot(at)]
	if b == nil {
		return 0
	}
	return b.variance()
}

// ForecastKWHForDay sums the 24 bucket means for the date's weekday into a
// daily consumption estimate, assuming uniform draw across each hour. Hours
// with no data fall back to DefaultW.
func (l *Learner) ForecastKWHForDay(date time.Time) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := int(date.Weekday()) * 24
	var kwh float64
	for h := 0; h < 24; h++ {
		if b := l.buckets[base+h]; b != nil {
			kwh += b.meanW / 1000
		} else {
			kwh += DefaultW / 1000
		}
	}
	return kwh
}

// SeedFromHistory bootstraps the date's weekday buckets from 24 hourly
// averages (watts), one record-equivalent update per hour. Calling it again
// simply applies another EMA update, an accepted approximation rather than an
// overwrite.
func (l *Learner) SeedFromHistory(ctx context.Context, hourly []float64, date time.Time) {
	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	for h, w := range hourly {
		if h >= 24 {
			break
		}
		l.Record(ctx, midnight.Add(time.Duration(h)*time.Hour), w)
	}
}

// Snapshot exports the bucket table for persistence.
func (l *Learner) Snapshot() []types.BucketState {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.BucketState, 0, len(l.buckets))
	for k, b := range l.buckets {
		out = append(out, types.BucketState{
			Day:   k / 24,
			Hour:  k % 24,
			MeanW: b.meanW,
			Count: b.count,
			WMean: b.wMean,
			M2:    b.m2,
		})
	}
	return out
}

// Restore replaces the bucket table with a previously exported snapshot.
func (l *Learner) Restore(buckets []types.BucketState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buckets = make(map[int]*bucket, len(buckets))
	for _, bs := range buckets {
		if bs.Day < 0 || bs.Day > 6 || bs.Hour < 0 || bs.Hour > 23 {
			continue
		}
		l.buckets[bs.Day*24+bs.Hour] = &bucket{
			meanW: bs.MeanW,
			count: bs.Count,
			wMean: bs.WMean,
			m2:    bs.M2,
		}
	}
}
