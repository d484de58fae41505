package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/sunpilot/sunpilot/pkg/types"
)

const (
	diskSettingsFile  = "settings.json"
	diskStateFile     = "state.json"
	diskDecisionsFile = "decisions.jsonl"
)

// Disk persists everything under a single directory: settings and learned
// state as JSON documents replaced atomically, decisions as an append-only
// JSONL log. It is the default provider for single-home deployments.
type Disk struct {
	dir string

	mu sync.Mutex
}

// configuredDisk sets up the disk provider.
// It registers flags for configuration.
func configuredDisk() *Disk {
	dir := lflag.String("storage-path", "./data", "Directory for the disk storage provider")

	d := &Disk{}
	lflag.Do(func() {
		d.dir = *dir
	})
	return d
}

// NewDisk returns a provider rooted at dir. Init must be called before use.
func NewDisk(dir string) *Disk {
	return &Disk{dir: dir}
}

// Init creates the storage directory.
func (d *Disk) Init() error {
	if d.dir == "" {
		return errors.New("storage path cannot be empty")
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	return nil
}

func (d *Disk) Close() error {
	return nil
}

// diskSettings wraps settings with the schema version on disk.
type diskSettings struct {
	Version  int            `json:"version"`
	Settings types.Settings `json:"settings"`
}

func (d *Disk) GetSettings(ctx context.Context) (types.Settings, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var doc diskSettings
	ok, err := d.readJSON(diskSettingsFile, &doc)
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to read settings: %w", err)
	}
	if !ok {
		return types.Settings{}, 0, nil
	}
	return doc.Settings, doc.Version, nil
}

func (d *Disk) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeJSON(diskSettingsFile, diskSettings{Version: version, Settings: settings}); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

func (d *Disk) GetSavedState(ctx context.Context) (types.SavedState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var state types.SavedState
	ok, err := d.readJSON(diskStateFile, &state)
	if err != nil {
		return types.SavedState{}, fmt.Errorf("failed to read saved state: %w", err)
	}
	if !ok {
		return types.SavedState{}, nil
	}
	return state, nil
}

func (d *Disk) SetSavedState(ctx context.Context, state types.SavedState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeJSON(diskStateFile, state); err != nil {
		return fmt.Errorf("failed to write saved state: %w", err)
	}
	return nil
}

func (d *Disk) InsertDecision(ctx context.Context, decision types.Decision) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	line, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(d.dir, diskDecisionsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open decision log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append decision: %w", err)
	}
	return nil
}

func (d *Disk) GetDecisionHistory(ctx context.Context, start, end time.Time) ([]types.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []types.Decision
	err := d.scanDecisions(func(dec types.Decision) {
		if dec.Timestamp.Before(start) || !dec.Timestamp.Before(end) {
			return
		}
		out = append(out, dec)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (d *Disk) GetLatestDecision(ctx context.Context) (*types.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var latest *types.Decision
	err := d.scanDecisions(func(dec types.Decision) {
		if latest == nil || dec.Timestamp.After(latest.Timestamp) {
			cp := dec
			latest = &cp
		}
	})
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// scanDecisions streams every well-formed line of the decision log. A crash
// mid-append can leave a truncated final line; those are skipped rather than
// failing history reads.
func (d *Disk) scanDecisions(fn func(types.Decision)) error {
	f, err := os.Open(filepath.Join(d.dir, diskDecisionsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open decision log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var dec types.Decision
		if err := json.Unmarshal(scanner.Bytes(), &dec); err != nil {
			continue
		}
		fn(dec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read decision log: %w", err)
	}
	return nil
}

// readJSON reads one document, reporting false when the file doesn't exist
// yet.
func (d *Disk) readJSON(name string, dest interface{}) (bool, error) {
	data, err := os.ReadFile(filepath.Join(d.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

// writeJSON replaces one document atomically via a temp file and rename so a
// crash mid-write never leaves a truncated document behind.
func (d *Disk) writeJSON(name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := filepath.Join(d.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(d.dir, name))
}
