package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// DiskState is the part of the dispatcher that survives a restart.
type DiskState struct {
	Enabled           bool      `json:"enabled"`
	PollIntervalMs    int64     `json:"pollIntervalMs"`
	MaxTasksPerMinute int       `json:"maxTasksPerMinute"`
	DispatchMode      bool      `json:"dispatchMode"`
	DigestIntervalMs  int64     `json:"digestIntervalMs"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// LoadState reads a state file. ok is false when the file does not exist.
func LoadState(path string) (state DiskState, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return state, false, nil
	}
	if err != nil {
		return state, false, fmt.Errorf("reading dispatch state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, false, fmt.Errorf("parsing dispatch state %s: %w", path, err)
	}
	return state, true, nil
}

// SaveState atomically replaces the state file.
func SaveState(path string, state DiskState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding dispatch state: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing dispatch state: %w", err)
	}
	return nil
}
