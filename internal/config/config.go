// Package config reads the YAML run configuration of an import.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/beetle/internal/engine"
	"github.com/roach88/beetle/internal/uniqueness"
)

// Config is one import's run configuration.
//
//	database: target.db
//	external_source: crm
//	transformations: ./transformations
//	policy: run
//	unique_fields:
//	  clients: [name, country_code]
//	attach:
//	  source: ./source.db
type Config struct {
	// Database is the path of the SQLite target store.
	Database string `yaml:"database"`

	// ExternalSource names the feeding system in external_systems.
	ExternalSource string `yaml:"external_source"`

	// TargetSchema defaults to main. It may name an attached database.
	TargetSchema string `yaml:"target_schema,omitempty"`

	// Transformations is the directory of the CUE package declaring the
	// imported tables.
	Transformations string `yaml:"transformations"`

	// Policy is run, step or none. Empty means run.
	Policy string `yaml:"policy,omitempty"`

	// MaxParallel caps concurrently running steps. 0 means unbounded.
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// PrepareStage defaults to true.
	PrepareStage *bool `yaml:"prepare_stage,omitempty"`

	// UniqueFields declares natural keys. They are merged over the unique
	// section of the CUE package.
	UniqueFields map[string][]string `yaml:"unique_fields,omitempty"`

	// Attach maps schema names to database files attached before the run.
	Attach map[string]string `yaml:"attach,omitempty"`
}

// Load reads and validates the configuration at path. Relative paths in the
// file are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes and validates a configuration, resolving relative paths
// against baseDir. An empty baseDir leaves paths untouched.
func Parse(data []byte, baseDir string) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config file is empty")
		}
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if baseDir != "" {
		cfg.Database = resolve(baseDir, cfg.Database)
		cfg.Transformations = resolve(baseDir, cfg.Transformations)
		for name, path := range cfg.Attach {
			cfg.Attach[name] = resolve(baseDir, path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func resolve(baseDir, path string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate checks that required fields are present and valid.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.ExternalSource == "" {
		return fmt.Errorf("external_source is required")
	}
	if c.Transformations == "" {
		return fmt.Errorf("transformations is required")
	}
	if _, err := engine.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative, got %d", c.MaxParallel)
	}
	for _, name := range c.AttachNames() {
		if name == "main" || name == "temp" {
			return fmt.Errorf("attach: %q is reserved", name)
		}
		if c.Attach[name] == "" {
			return fmt.Errorf("attach.%s: path is required", name)
		}
	}
	for table, fields := range c.UniqueFields {
		if len(fields) == 0 {
			return fmt.Errorf("unique_fields.%s: at least one field is required", table)
		}
	}
	return nil
}

// StagePrepared reports whether the run builds its own stage tables.
func (c *Config) StagePrepared() bool {
	return c.PrepareStage == nil || *c.PrepareStage
}

// Uniqueness returns base with the configured natural keys laid over it.
func (c *Config) Uniqueness(base uniqueness.Policy) uniqueness.Policy {
	if len(base) == 0 && len(c.UniqueFields) == 0 {
		return nil
	}
	out := make(uniqueness.Policy, len(base)+len(c.UniqueFields))
	for table, fields := range base {
		out[table] = fields
	}
	for table, fields := range c.UniqueFields {
		out[table] = fields
	}
	return out
}

// AttachNames returns the attached schema names, sorted.
func (c *Config) AttachNames() []string {
	names := make([]string, 0, len(c.Attach))
	for name := range c.Attach {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
