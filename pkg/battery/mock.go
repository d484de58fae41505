package battery

import (
	"context"
	"sync"

	"github.com/sunpilot/sunpilot/pkg/types"
)

// Mock is a Controller that records everything it's told to do. Used in
// tests.
type Mock struct {
	mu       sync.Mutex
	err      error
	commands []types.BatteryCommand
	auto     int
	heater   []bool
}

// Fail makes every subsequent call return err. Pass nil to clear.
func (m *Mock) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Apply records the command.
func (m *Mock) Apply(ctx context.Context, cmd types.BatteryCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.commands = append(m.commands, cmd)
	return nil
}

// SetAutomatic records the handback.
func (m *Mock) SetAutomatic(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.auto++
	return nil
}

// SetHeater records the relay state.
func (m *Mock) SetHeater(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.heater = append(m.heater, on)
	return nil
}

// Commands returns every battery command applied so far.
func (m *Mock) Commands() []types.BatteryCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.BatteryCommand(nil), m.commands...)
}

// LastCommand returns the newest battery command, if any.
func (m *Mock) LastCommand() (types.BatteryCommand, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commands) == 0 {
		return types.BatteryCommand{}, false
	}
	return m.commands[len(m.commands)-1], true
}

// AutomaticCalls returns how many times SetAutomatic ran.
func (m *Mock) AutomaticCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auto
}

// HeaterSwitches returns every relay state set so far.
func (m *Mock) HeaterSwitches() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.heater...)
}
