package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML shape: server settings plus optional named
// profiles applied at startup (and re-applied on reload).
type File struct {
	Server   ServerConfig              `yaml:"server"`
	Profiles map[string]AnomalyProfile `yaml:"profiles"`
}

// Load parses a YAML config file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	f.Server.Normalize()
	return &f, nil
}

// ApplyProfiles pushes the file's profiles into the manager. Each profile
// gets a fresh version; the file is an operator convenience, not a second
// source of truth.
func (f *File) ApplyProfiles(m *Manager) {
	for name, p := range f.Profiles {
		m.SetProfile(name, p)
	}
}
