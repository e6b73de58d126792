package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadConfigFile overlays a YAML config file onto cfg. Fields absent
// from the file keep their current values.
func LoadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
