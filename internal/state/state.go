// Package state persists the in-memory store across restarts. A snapshot is
// written on shutdown and loaded back on the next start, so definitions and
// execution history survive a process cycle without an external database.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"sentinel-soar/internal/compliance"
	"sentinel-soar/internal/playbook"
	"sentinel-soar/internal/policy"
	"sentinel-soar/internal/response"
	"sentinel-soar/internal/store"
)

// Save snapshots the store to path. The snapshot lands under a temp name
// first and is renamed into place, so a crash mid-write never clobbers the
// previous snapshot.
func Save(st *store.MemoryStore, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := st.Snapshot(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit state file: %w", err)
	}
	return nil
}

// Load restores the store from a snapshot at path. A missing file is not an
// error; the process simply starts empty.
func Load(st *store.MemoryStore, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	return st.Restore(f, decode)
}

// decode maps each snapshot entity back to its concrete type. Kinds added
// after a snapshot was taken decode to nil and are skipped.
func decode(kind store.Kind, msg json.RawMessage) (any, error) {
	switch kind {
	case store.KindPlaybook:
		v := &playbook.Playbook{}
		return v, json.Unmarshal(msg, v)
	case store.KindExecution:
		v := &playbook.Execution{}
		return v, json.Unmarshal(msg, v)
	case store.KindResponse:
		v := &response.AutomatedResponse{}
		return v, json.Unmarshal(msg, v)
	case store.KindPolicy:
		v := &policy.Enforcement{}
		return v, json.Unmarshal(msg, v)
	case store.KindViolation:
		v := &policy.Violation{}
		return v, json.Unmarshal(msg, v)
	case store.KindCompliance:
		v := &compliance.Check{}
		return v, json.Unmarshal(msg, v)
	}
	return nil, nil
}
