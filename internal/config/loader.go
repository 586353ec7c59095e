package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Load layers the global file, then the project file, over DefaultConfig and
// validates the result. An empty path or a missing file contributes nothing.
// Malformed JSON and unknown keys are errors.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	for _, layer := range []struct{ name, path string }{
		{"global", globalPath},
		{"project", projectPath},
	} {
		if err := overlay(cfg, layer.path); err != nil {
			return nil, fmt.Errorf("%s config: %w", layer.name, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultPaths returns ~/.improver/config.json and <root>/.improver/config.json.
func DefaultPaths(root string) (globalPath, projectPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, dirName, fileName), filepath.Join(root, dirName, fileName), nil
}

// LoadDefault loads configuration from the conventional paths for root.
func LoadDefault(root string) (*Config, error) {
	globalPath, projectPath, err := DefaultPaths(root)
	if err != nil {
		return nil, err
	}
	return Load(globalPath, projectPath)
}

// overlay decodes the file at path on top of cfg. Keys present in the file
// win; map entries merge key by key; lists replace.
func overlay(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
