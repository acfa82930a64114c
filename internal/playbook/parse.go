package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ParsePlaybook parses a playbook from YAML bytes.
func ParsePlaybook(data []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("failed to parse playbook: %w", err)
	}
	if pb.Version == 0 {
		pb.Version = 1
	}
	now := time.Now().UTC()
	pb.CreatedAt = now
	pb.UpdatedAt = now
	if err := pb.Validate(); err != nil {
		return nil, fmt.Errorf("invalid playbook: %w", err)
	}
	return &pb, nil
}

// ParsePlaybooks parses multiple playbooks from YAML bytes. Accepts either a
// list document or a single playbook document.
func ParsePlaybooks(data []byte) ([]*Playbook, error) {
	var pbs []*Playbook
	if err := yaml.Unmarshal(data, &pbs); err != nil {
		// Try single playbook format
		pb, singleErr := ParsePlaybook(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse playbooks: %w", err)
		}
		return []*Playbook{pb}, nil
	}
	now := time.Now().UTC()
	for _, pb := range pbs {
		if pb.Version == 0 {
			pb.Version = 1
		}
		pb.CreatedAt = now
		pb.UpdatedAt = now
		if err := pb.Validate(); err != nil {
			return nil, fmt.Errorf("invalid playbook %q: %w", pb.ID, err)
		}
	}
	return pbs, nil
}

// LoadDir loads all playbook definitions from *.yaml and *.yml files in a
// directory. Files are loaded in lexical order.
func LoadDir(dir string) ([]*Playbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook directory: %w", err)
	}

	var playbooks []*Playbook
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		pbs, err := ParsePlaybooks(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		playbooks = append(playbooks, pbs...)
	}
	return playbooks, nil
}
