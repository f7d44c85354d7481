package agents

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSeed parses a registry seed document.
func LoadSeed(r io.Reader) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		if err == io.EOF {
			return &seed, nil
		}
		return nil, fmt.Errorf("failed to parse registry seed: %w", err)
	}
	if err := validateSeed(&seed); err != nil {
		return nil, err
	}
	return &seed, nil
}

// LoadSeedFile reads a registry seed from disk.
func LoadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry seed %s: %w", path, err)
	}
	defer f.Close()
	return LoadSeed(f)
}

func validateSeed(seed *Seed) error {
	workspaces := make(map[string]struct{}, len(seed.Workspaces))
	for _, ws := range seed.Workspaces {
		if ws.ID == "" {
			return fmt.Errorf("workspace id is required")
		}
		workspaces[ws.ID] = struct{}{}
	}
	teams := make(map[string]struct{}, len(seed.Teams))
	for _, t := range seed.Teams {
		if t.ID == "" {
			return fmt.Errorf("team id is required")
		}
		if _, ok := workspaces[t.WorkspaceID]; !ok {
			return fmt.Errorf("team %s references unknown workspace %q", t.ID, t.WorkspaceID)
		}
		teams[t.ID] = struct{}{}
	}
	for _, a := range seed.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent id is required")
		}
		if _, ok := workspaces[a.WorkspaceID]; !ok {
			return fmt.Errorf("agent %s references unknown workspace %q", a.ID, a.WorkspaceID)
		}
		if a.TeamID != "" {
			if _, ok := teams[a.TeamID]; !ok {
				return fmt.Errorf("agent %s references unknown team %q", a.ID, a.TeamID)
			}
		}
	}
	return nil
}
