package storage

import (
	"context"
	"time"

	"github.com/sunpilot/sunpilot/pkg/types"
)

// Database defines the interface for persisting settings, learned state, and
// the decision log.
type Database interface {
	// Settings. GetSettings returns version 0 and zero settings when nothing
	// has been stored yet; callers fall back to defaults.
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error

	// Learned state. GetSavedState returns a zero state (SavedAt zero) when
	// nothing has been stored yet.
	GetSavedState(ctx context.Context) (types.SavedState, error)
	SetSavedState(ctx context.Context, state types.SavedState) error

	// Decision log. History covers [start, end); GetLatestDecision returns
	// nil when the log is empty.
	InsertDecision(ctx context.Context, decision types.Decision) error
	GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error)
	GetLatestDecision(ctx context.Context) (*types.Decision, error)

	// Lifecycle
	Close() error
}
