// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReduce/pkg/logging"
	"github.com/AleutianAI/AleutianReduce/pkg/telemetry"
	"github.com/AleutianAI/AleutianReduce/services/reduction/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// appLogger is the process logger, rebuilt once the config is known.
var appLogger *logging.Logger

// setupLogging installs a logger from the command-line flags alone.
func setupLogging(cmd *cobra.Command, args []string) error {
	return configureLogger(nil)
}

// configureLogger builds the process logger from cfg, with --log-level and
// --json-logs taking precedence, and makes it the slog default.
func configureLogger(cfg *config.Config) error {
	lc := logging.Config{Service: "reduce", JSON: jsonLogs, Level: logging.LevelInfo}

	levelName := logLevel
	if cfg != nil {
		lc.LogDir = cfg.Log.Dir
		lc.JSON = lc.JSON || cfg.Log.JSON
		if levelName == "" {
			levelName = cfg.Log.Level
		}
	}
	if levelName != "" {
		level, err := logging.ParseLevel(levelName)
		if err != nil {
			return err
		}
		lc.Level = level
	}

	if appLogger != nil {
		_ = appLogger.Close()
	}
	appLogger = logging.New(lc)
	slog.SetDefault(appLogger.Slog())
	return nil
}

// loadConfig reads the config named by the first positional argument,
// --config or REDUCE_CONFIG, in that order, and reconfigures logging from it.
func loadConfig(args []string) (*config.Config, error) {
	path := configPath
	if len(args) > 0 {
		path = args[0]
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := configureLogger(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyRunsFlag replaces the configured run list with --runs when given.
func applyRunsFlag(cfg *config.Config) error {
	if strings.TrimSpace(runsExpr) == "" {
		return nil
	}
	runs, err := config.ParseRunList(runsExpr)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("--runs %q selects no runs", runsExpr)
	}
	cfg.RunNums = runs
	return nil
}

// startTelemetry initialises OpenTelemetry and returns a shutdown func that
// never fails the command.
func startTelemetry(ctx context.Context, cfg *config.Config) func() {
	tc := cfg.Telemetry
	if tc.ServiceVersion == "" {
		tc.ServiceVersion = version
	}
	shutdown, err := telemetry.Init(ctx, tc)
	if err != nil {
		slog.Warn("telemetry disabled", slog.String("error", err.Error()))
		return func() {}
	}
	return func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
}

// ensureDir creates dir if it is missing.
func ensureDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
