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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
	"github.com/AleutianAI/AleutianReduce/pkg/ux"
	"github.com/AleutianAI/AleutianReduce/services/dispatch"
	"github.com/AleutianAI/AleutianReduce/services/dispatch/archive"
	"github.com/AleutianAI/AleutianReduce/services/reduction/config"
)

// runMerge merges per-run output that already exists, e.g. after fixing
// and re-reducing the runs a dispatch reported as failed.
func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	if err := applyRunsFlag(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer startTelemetry(ctx, cfg)()

	report, err := mergeOnly(ctx, cfg, procexec.NewDefaultProcessManager())
	printReport(ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), ux.DetectMode()), report, err)
	return err
}

func mergeOnly(ctx context.Context, cfg *config.Config, pm procexec.ProcessManager) (*dispatch.Report, error) {
	p, err := newPipeline(ctx, cfg, pm, false)
	if err != nil {
		return nil, err
	}
	defer p.close()

	report := &dispatch.Report{}
	merged, err := p.merger.Merge(ctx, cfg.RunNums)
	if err != nil {
		return report, fmt.Errorf("merge: %w", err)
	}
	report.Merge = merged

	if p.uploader != nil {
		if err := archive.UploadAll(ctx, p.uploader, merged.Paths()...); err != nil {
			return report, fmt.Errorf("archive: %w", err)
		}
		report.Archived = merged.Paths()
	}
	return report, nil
}
