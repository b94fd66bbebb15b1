package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pkgengine/pkgengine/pkg/repo"
)

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// WriteFile writes cfg to path atomically. An existing file is only
// replaced when force is set.
func WriteFile(path string, cfg *Config, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return repo.WriteFileAtomic(path, data, 0o644)
}
