package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sunpilot/sunpilot/pkg/types"
)

// Memory is an in-memory Database for tests and throwaway runs. Nothing
// survives a restart.
type Memory struct {
	mu              sync.Mutex
	settings        *types.Settings
	settingsVersion int
	state           *types.SavedState
	decisions       []types.Decision
}

// NewMemory returns an empty in-memory database.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) GetSettings(ctx context.Context) (types.Settings, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settings == nil {
		return types.Settings{}, 0, nil
	}
	return *m.settings, m.settingsVersion, nil
}

func (m *Memory) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = &settings
	m.settingsVersion = version
	return nil
}

func (m *Memory) GetSavedState(ctx context.Context) (types.SavedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return types.SavedState{}, nil
	}
	return *m.state, nil
}

func (m *Memory) SetSavedState(ctx context.Context, state types.SavedState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &state
	return nil
}

func (m *Memory) InsertDecision(ctx context.Context, decision types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decision)
	return nil
}

func (m *Memory) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Decision
	for _, d := range m.decisions {
		if d.Timestamp.Before(start) || !d.Timestamp.Before(end) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) GetLatestDecision(ctx context.Context) (*types.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *types.Decision
	for i := range m.decisions {
		if latest == nil || m.decisions[i].Timestamp.After(latest.Timestamp) {
			latest = &m.decisions[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) Close() error {
	return nil
}
