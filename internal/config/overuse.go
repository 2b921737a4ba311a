package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blackwell-systems/iowatchdog/internal/overuse"
)

// IsOveruseFile reports whether name is an overuse configuration file.
func IsOveruseFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(name), ".")
}

// LoadOveruseFile parses one configuration. Unknown fields are rejected.
func LoadOveruseFile(path string) (overuse.ResourceOveruseConfiguration, error) {
	f, err := os.Open(path)
	if err != nil {
		return overuse.ResourceOveruseConfiguration{}, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg overuse.ResourceOveruseConfiguration
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("%s is empty", path)
		}
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOveruseDir parses every configuration file in dir, in name order, and
// validates the set.
func LoadOveruseDir(dir string) ([]overuse.ResourceOveruseConfiguration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read overuse config directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsOveruseFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	configs := make([]overuse.ResourceOveruseConfiguration, 0, len(names))
	for _, name := range names {
		cfg, err := LoadOveruseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := overuse.Validate(configs); err != nil {
		return nil, fmt.Errorf("invalid overuse configurations in %s: %w", dir, err)
	}
	return configs, nil
}

// WriteOveruseFile writes cfg as YAML.
func WriteOveruseFile(path string, cfg overuse.ResourceOveruseConfiguration) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode overuse config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
