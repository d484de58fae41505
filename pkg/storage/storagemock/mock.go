package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sunpilot/sunpilot/pkg/storage"
	"github.com/sunpilot/sunpilot/pkg/types"
)

// MockDatabase is a testify mock of storage.Database for error-path tests;
// storage.Memory is usually simpler for happy paths.
type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) GetSavedState(ctx context.Context) (types.SavedState, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.SavedState), args.Error(1)
}

func (m *MockDatabase) SetSavedState(ctx context.Context, state types.SavedState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDatabase) InsertDecision(ctx context.Context, decision types.Decision) error {
	args := m.Called(ctx, decision)
	return args.Error(0)
}

func (m *MockDatabase) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	args := m.Called(ctx, start, end)
	if val := args.Get(0); val != nil {
		return val.([]types.Decision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) GetLatestDecision(ctx context.Context) (*types.Decision, error) {
	args := m.Called(ctx)
	if val := args.Get(0); val != nil {
		return val.(*types.Decision), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
