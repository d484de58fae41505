package forecast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sunpilot/sunpilot/pkg/log"
	"github.com/sunpilot/sunpilot/pkg/types"
)

const (
	// accuracyWindowDays is how far back outcomes count toward a source's
	// weight. Older entries decay by falling out of the window, not by
	// exponential discounting.
	accuracyWindowDays = 30
	// accuracyRetentionDays bounds what we keep at all.
	accuracyRetentionDays = 90

	// minMAPE keeps a (briefly) perfect source from collapsing the weight
	// distribution onto itself.
	minMAPE = 0.01

	outcomeDateLayout = "2006-01-02"
)

// AccuracyTracker keeps a rolling window of prediction-vs-actual outcomes per
// forecast source and turns them into ensemble merge weights.
type AccuracyTracker struct {
	mu       sync.Mutex
	outcomes map[string][]types.AccuracyOutcome
}

// NewAccuracyTracker returns an empty tracker.
func NewAccuracyTracker() *AccuracyTracker {
	return &AccuracyTracker{outcomes: make(map[string][]types.AccuracyOutcome)}
}

// RecordOutcome stores one predicted/actual daily total for the source. A
// second outcome for the same source and calendar day replaces the first.
func (a *AccuracyTracker) RecordOutcome(ctx context.Context, sourceID string, predictedKWH, actualKWH float64, date time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	day := date.Format(outcomeDateLayout)
	outcome := types.AccuracyOutcome{
		Date:         day,
		PredictedKWH: predictedKWH,
		ActualKWH:    actualKWH,
	}

	list := a.outcomes[sourceID]
	replaced := false
	for i, o := range list {
		if o.Date == day {
			list[i] = outcome
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, outcome)
	}

	// prune anything past retention
	cutoff := date.AddDate(0, 0, -accuracyRetentionDays).Format(outcomeDateLayout)
	kept := list[:0]
	for _, o := range list {
		if o.Date >= cutoff {
			kept = append(kept, o)
		}
	}
	a.outcomes[sourceID] = kept

	log.Ctx(ctx).DebugContext(ctx, "recorded forecast outcome",
		slog.String("source", sourceID),
		slog.String("date", day),
		slog.Float64("predictedKWH", predictedKWH),
		slog.Float64("actualKWH", actualKWH),
	)
}

// mape returns the source's mean absolute percentage error over the window
// ending at now, and false when the window holds no usable outcomes.
func (a *AccuracyTracker) mape(sourceID string, now time.Time) (float64, bool) {
	cutoff := now.AddDate(0, 0, -accuracyWindowDays).Format(outcomeDateLayout)

	var sum float64
	var n int
	for _, o := range a.outcomes[sourceID] {
		if o.Date < cutoff || o.ActualKWH <= 0 {
			continue
		}
		diff := o.PredictedKWH - o.ActualKWH
		if diff < 0 {
			diff = -diff
		}
		sum += diff / o.ActualKWH
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Weights computes merge weights for the given sources, recomputed from the
// current windows every call. A source's weight is inversely proportional to
// its MAPE; sources with no usable window get the mean raw weight of those
// that have one, and if every source is cold the split is 1/N. The returned
// weights sum to 1 for any non-empty input.
func (a *AccuracyTracker) Weights(now time.Time, sourceIDs []string) map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(sourceIDs) == 0 {
		return map[string]float64{}
	}

	raw := make(map[string]float64, len(sourceIDs))
	var warmSum float64
	var warmN int
	for _, id := range sourceIDs {
		if m, ok := a.mape(id, now); ok {
			if m < minMAPE {
				m = minMAPE
			}
			raw[id] = 1 / m
			warmSum += raw[id]
			warmN++
		}
	}

	if warmN == 0 {
		equal := 1 / float64(len(sourceIDs))
		out := make(map[string]float64, len(sourceIDs))
		for _, id := range sourceIDs {
			out[id] = equal
		}
		return out
	}

	coldRaw := warmSum / float64(warmN)
	var total float64
	for _, id := range sourceIDs {
		if _, ok := raw[id]; !ok {
			raw[id] = coldRaw
		}
		total += raw[id]
	}

	out := make(map[string]float64, len(sourceIDs))
	for _, id := range sourceIDs {
		out[id] = raw[id] / total
	}
	return out
}

// Snapshot exports the outcome windows for persistence.
func (a *AccuracyTracker) Snapshot() map[string][]types.AccuracyOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string][]types.AccuracyOutcome, len(a.outcomes))
	for id, list := range a.outcomes {
		cp := make([]types.AccuracyOutcome, len(list))
		copy(cp, list)
		out[id] = cp
	}
	return out
}

// Restore replaces the outcome windows with a previously exported snapshot.
func (a *AccuracyTracker) Restore(outcomes map[string][]types.AccuracyOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.outcomes = make(map[string][]types.AccuracyOutcome, len(outcomes))
	for id, list := range outcomes {
		cp := make([]types.AccuracyOutcome, len(list))
		copy(cp, list)
		a.outcomes[id] = cp
	}
}
