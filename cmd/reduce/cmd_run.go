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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
	"github.com/AleutianAI/AleutianReduce/services/reduction"
	"github.com/AleutianAI/AleutianReduce/services/reduction/config"
)

// runReduce configures the process-wide reducer from the config file and
// reduces the data files named on the command line.
func runReduce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}
	if runDataDir != "" {
		cfg.DataDirectory = runDataDir
	}
	if runOutputDir != "" {
		cfg.OutputDirectory = runOutputDir
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer startTelemetry(ctx, cfg)()

	slot := reduction.Global()
	if err := configureReducer(slot, cfg, args, procexec.NewDefaultProcessManager()); err != nil {
		slot.Clean(nil)
		return err
	}

	log, err := slot.Run(ctx)
	fmt.Fprint(cmd.OutOrStdout(), log)
	if err != nil {
		slog.Error("reduction failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// configureReducer applies cfg and the data files to the reducer held by c.
func configureReducer(c reduction.Configurer, cfg *config.Config, files []string, pm procexec.ProcessManager) error {
	inst, err := reduction.NewInstrument(cfg.InstrumentName)
	if err != nil {
		return err
	}
	if err := c.SetInstrument(inst); err != nil {
		return err
	}

	if cfg.DataDirectory != "" {
		if err := c.SetDataPath(cfg.DataDirectory); err != nil {
			return err
		}
	}
	if err := ensureDir(cfg.OutputDirectory); err != nil {
		return err
	}
	if err := c.SetOutputPath(cfg.OutputDirectory); err != nil {
		return err
	}

	for _, sc := range cfg.Steps {
		step, err := reduction.NewCommandStep(sc.Name, sc.Command, sc.Args, pm)
		if err != nil {
			return err
		}
		if err := c.AppendStep(step); err != nil {
			return err
		}
	}
	for _, f := range files {
		if err := c.AppendDataFile(f); err != nil {
			return err
		}
	}
	return nil
}
