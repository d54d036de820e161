// Package config loads and validates NanoClaw's YAML configuration,
// mirroring the teacher's Initialize/load/validate loader shape
// (pkg/config/loader.go): a built-in Defaults() merged with an optional
// user file via dario.cat/mergo, with ${VAR} environment expansion applied
// to the raw YAML bytes before parsing.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads config.yaml from configDir if present, merges it over
// Defaults(), validates the result, and returns it. A missing file is not
// an error — the defaults alone are a valid configuration.
func Initialize(configDir string) (*Config, error) {
	cfg := Defaults()

	path := filepath.Join(configDir, "config.yaml")
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// no user override; defaults stand
	case err != nil:
		return nil, NewLoadError(path, err)
	default:
		raw = ExpandEnv(raw)
		var user Config
		if err := yaml.Unmarshal(raw, &user); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
		if err := mergo.Merge(&cfg, user, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Assistant.Name == "" {
		return NewValidationError("assistant", "name", "", ErrMissingRequiredField)
	}

	seenGroups := make(map[string]bool, len(cfg.Groups))
	mainCount := 0
	for _, g := range cfg.Groups {
		if g.Name == "" {
			return NewValidationError("group", "", "name", ErrMissingRequiredField)
		}
		if seenGroups[g.Name] {
			return NewValidationError("group", g.Name, "name", fmt.Errorf("duplicate group name"))
		}
		seenGroups[g.Name] = true
		if g.IsMain {
			mainCount++
		}
	}
	if len(cfg.Groups) > 0 && mainCount != 1 {
		return NewValidationError("groups", "", "is_main", fmt.Errorf("exactly one group must be marked main, found %d", mainCount))
	}

	seenWorkers := make(map[string]bool, len(cfg.Workers))
	for _, w := range cfg.Workers {
		if w.ID == "" {
			return NewValidationError("worker", "", "id", ErrMissingRequiredField)
		}
		if seenWorkers[w.ID] {
			return NewValidationError("worker", w.ID, "id", fmt.Errorf("duplicate worker id"))
		}
		seenWorkers[w.ID] = true
		for _, grp := range w.GroupsServed {
			if !seenGroups[grp] && len(cfg.Groups) > 0 {
				return NewValidationError("worker", w.ID, "groups_served", fmt.Errorf("%w: group %q", ErrGroupNotFound, grp))
			}
		}
	}

	return nil
}
