// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates reduction configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianReduce/pkg/telemetry"
)

// EnvConfigPath names the environment variable consulted when no config
// path is given.
const EnvConfigPath = "REDUCE_CONFIG"

// ErrNoConfig is returned when neither a path nor REDUCE_CONFIG is set.
var ErrNoConfig = errors.New("no configuration file given and " + EnvConfigPath + " is not set")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("runlist", validateRunList)
}

// validateRunList accepts a run list that parses to at least one run.
func validateRunList(fl validator.FieldLevel) bool {
	runs, ok := fl.Field().Interface().(RunList)
	if !ok {
		return false
	}
	return len(runs) > 0
}

// Config describes one experiment: where the data lives, which runs to
// reduce, how to run the per-run workers and how to merge their output.
type Config struct {
	InstrumentName  string  `yaml:"instrument_name" validate:"required"`
	DataDirectory   string  `yaml:"data_directory"`
	OutputDirectory string  `yaml:"output_directory" validate:"required"`
	ExpName         string  `yaml:"exp_name" validate:"required"`
	RunNums         RunList `yaml:"run_nums" validate:"runlist"`

	MaxProcesses   int           `yaml:"max_processes" validate:"min=1"`
	SlurmQueueName string        `yaml:"slurm_queue_name"`
	ReduceScript   string        `yaml:"reduce_one_run_script" validate:"required"`
	Python         string        `yaml:"python" validate:"required"`
	SpawnInterval  time.Duration `yaml:"spawn_interval" validate:"min=0"`

	Steps []StepConfig `yaml:"steps" validate:"dive"`

	CellType     string `yaml:"cell_type"`
	Centering    string `yaml:"centering"`
	IndexCommand string `yaml:"index_command"`

	JournalDir  string        `yaml:"journal_dir"`
	MonitorAddr string        `yaml:"monitor_addr" validate:"omitempty,hostname_port"`
	Archive     ArchiveConfig `yaml:"archive"`
	Log         LogConfig     `yaml:"log"`

	Telemetry telemetry.Config `yaml:"telemetry"`

	// path is the file this configuration was read from.
	path string
}

// StepConfig names an external command run once per data file by
// "reduce run". The command receives its Args followed by the data file
// and the output workspace.
type StepConfig struct {
	Name    string   `yaml:"name" validate:"required"`
	Command string   `yaml:"command" validate:"required"`
	Args    []string `yaml:"args"`
}

// ArchiveConfig enables upload of merged artifacts to a GCS bucket.
type ArchiveConfig struct {
	Bucket      string `yaml:"bucket"`
	Project     string `yaml:"project"`
	Credentials string `yaml:"credentials"`
	Prefix      string `yaml:"prefix"`
}

// Enabled reports whether an archive bucket is configured.
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the values used for keys a file leaves out.
func DefaultConfig() Config {
	return Config{
		MaxProcesses:  1,
		Python:        "python3",
		SpawnInterval: 2 * time.Second,
		Log:           LogConfig{Level: "info"},
		Telemetry:     telemetry.DefaultConfig(),
	}
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string { return c.path }

// ConventionalCell reports whether a conventional-cell pass is configured.
func (c *Config) ConventionalCell() bool {
	return c.CellType != "" && c.Centering != ""
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if (c.CellType == "") != (c.Centering == "") {
		return errors.New("invalid configuration: cell_type and centering must be set together")
	}
	return nil
}

// Load reads path, or the file named by REDUCE_CONFIG when path is empty,
// over DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, ErrNoConfig
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
