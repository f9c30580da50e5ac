package taskdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk task list format accepted by LoadFile.
type File struct {
	Tasks []*Task `json:"tasks" yaml:"tasks"`
}

// LoadFile reads tasks from a YAML or JSON file. The format is chosen by
// extension; anything other than .json is parsed as YAML.
func LoadFile(path string) ([]*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &f)
	default:
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing task file: %w", err)
	}

	seen := make(map[string]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		if t == nil || t.ID == "" {
			return nil, fmt.Errorf("task %d: id is required", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("task %s: duplicate id", t.ID)
		}
		seen[t.ID] = true
		if t.Status == "" {
			t.Status = StatusReady
		}
		if !t.Status.Valid() {
			return nil, fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
		}
	}
	return f.Tasks, nil
}

// SaveFile writes tasks as YAML.
func SaveFile(path string, tasks []*Task) error {
	data, err := yaml.Marshal(File{Tasks: tasks})
	if err != nil {
		return fmt.Errorf("marshaling tasks: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing task file: %w", err)
	}
	return nil
}
