// Package setup handles fleet directory initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mizutanik/flotilla/internal/model"
	atomicyaml "github.com/mizutanik/flotilla/internal/yaml"
	"github.com/mizutanik/flotilla/templates"
)

const flotillaDir = ".flotilla"

// Run initializes the .flotilla/ directory in the given fleet directory.
// fleetName overrides the auto-detected name (directory basename if
// empty). The fleet directory itself becomes the default discovery root,
// so immediate subdirectories with a project descriptor are picked up.
func Run(fleetDir, fleetName string) error {
	absDir, err := filepath.Abs(fleetDir)
	if err != nil {
		return fmt.Errorf("resolve fleet dir: %w", err)
	}

	base := filepath.Join(absDir, flotillaDir)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"logs",
		"locks",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, fleetName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Empty lock file: the daemon flocks it on startup.
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

// generateConfig fills in the embedded template with fleet-specific
// fields.
func generateConfig(fleetDir, fleetName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if fleetName != "" {
		cfg.Fleet.Name = fleetName
	} else {
		cfg.Fleet.Name = filepath.Base(fleetDir)
	}
	cfg.Fleet.DiscoveryRoots = []string{fleetDir}

	return &cfg, nil
}
