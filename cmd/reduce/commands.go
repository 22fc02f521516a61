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

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	jsonLogs   bool

	runDataDir   string
	runOutputDir string

	runsExpr    string
	noWatch     bool
	journalDir  string
	monitorAddr string
	sessionID   string
	machineMode bool

	rootCmd = &cobra.Command{
		Use:   "reduce",
		Short: "Reduce single-crystal diffraction runs",
		Long: `reduce runs reduction steps over data files and dispatches one worker
process per run, merging and re-indexing their output once all have finished.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}

	runCmd = &cobra.Command{
		Use:   "run [data files...]",
		Short: "Reduce data files in this process with the configured steps",
		RunE:  runReduce, // Defined in cmd_run.go
	}

	dispatchCmd = &cobra.Command{
		Use:   "dispatch [config]",
		Short: "Reduce every run in parallel worker processes, then merge",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDispatch, // Defined in cmd_dispatch.go
	}

	mergeCmd = &cobra.Command{
		Use:   "merge [config]",
		Short: "Merge and re-index existing per-run output",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runMerge, // Defined in cmd_merge.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the worker states of a dispatch session",
		Args:  cobra.NoArgs,
		RunE:  runStatus, // Defined in cmd_status.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "reduce %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default $REDUCE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides the config)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "write logs as JSON")

	runCmd.Flags().StringVar(&runDataDir, "data-dir", "", "data directory (overrides data_directory)")
	runCmd.Flags().StringVar(&runOutputDir, "output-dir", "", "output directory (overrides output_directory)")

	for _, c := range []*cobra.Command{dispatchCmd, mergeCmd} {
		c.Flags().StringVar(&runsExpr, "runs", "", `run list, e.g. "4692:4694,4701" (overrides run_nums)`)
	}
	dispatchCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not log per-run artifacts as they appear")

	statusCmd.Flags().StringVar(&journalDir, "journal-dir", "", "journal directory (overrides journal_dir)")
	statusCmd.Flags().StringVar(&monitorAddr, "monitor", "", "monitor address of a running dispatch (overrides monitor_addr)")
	statusCmd.Flags().StringVar(&sessionID, "session", "latest", "session id")
	statusCmd.Flags().BoolVar(&machineMode, "machine", false, "plain tab-separated output")

	rootCmd.AddCommand(runCmd, dispatchCmd, mergeCmd, statusCmd, versionCmd)
}
