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
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
	"github.com/AleutianAI/AleutianReduce/pkg/telemetry"
	"github.com/AleutianAI/AleutianReduce/pkg/ux"
	"github.com/AleutianAI/AleutianReduce/services/dispatch"
	"github.com/AleutianAI/AleutianReduce/services/dispatch/archive"
	"github.com/AleutianAI/AleutianReduce/services/dispatch/journal"
	"github.com/AleutianAI/AleutianReduce/services/monitor"
	"github.com/AleutianAI/AleutianReduce/services/reduction/config"
)

// pipeline holds everything a dispatch or merge needs, built from one config.
type pipeline struct {
	cfg      *config.Config
	pm       procexec.ProcessManager
	journal  *journal.Journal
	uploader archive.Uploader
	merger   *dispatch.Merger
}

// newPipeline opens the journal and archive configured in cfg and builds
// the merger. close releases whatever was opened.
func newPipeline(ctx context.Context, cfg *config.Config, pm procexec.ProcessManager, withJournal bool) (*pipeline, error) {
	p := &pipeline{cfg: cfg, pm: pm}
	logger := slog.Default()

	var indexer dispatch.Indexer = dispatch.PassthroughIndexer{}
	if cfg.IndexCommand != "" {
		ci, err := dispatch.NewCommandIndexer(cfg.IndexCommand, pm)
		if err != nil {
			return nil, err
		}
		indexer = ci
	}
	merger, err := dispatch.NewMerger(dispatch.MergeOptionsFromConfig(cfg), dispatch.FileStore{}, indexer, logger)
	if err != nil {
		return nil, err
	}
	p.merger = merger

	if withJournal && cfg.JournalDir != "" {
		jcfg := journal.DefaultConfig(cfg.JournalDir)
		jcfg.Logger = logger
		j, err := journal.Open(jcfg)
		if err != nil {
			return nil, err
		}
		p.journal = j
	}

	if cfg.Archive.Enabled() {
		u, err := archive.NewGCSUploader(ctx, archive.Config{
			Bucket:      cfg.Archive.Bucket,
			Project:     cfg.Archive.Project,
			Credentials: cfg.Archive.Credentials,
			Prefix:      cfg.Archive.Prefix,
		}, logger)
		if err != nil {
			p.close()
			return nil, err
		}
		p.uploader = u
	}
	return p, nil
}

func (p *pipeline) close() {
	if p.uploader != nil {
		if err := p.uploader.Close(); err != nil {
			slog.Warn("archive close failed", slog.String("error", err.Error()))
		}
	}
	if p.journal != nil {
		if err := p.journal.Close(); err != nil {
			slog.Warn("journal close failed", slog.String("error", err.Error()))
		}
	}
}

// runDispatch starts one worker per run, waits for all of them and merges.
func runDispatch(cmd *cobra.Command, args []string) error {
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

	if err := ensureDir(cfg.OutputDirectory); err != nil {
		return err
	}
	report, err := dispatchAndMerge(ctx, cfg, procexec.NewDefaultProcessManager(), !noWatch)
	printReport(ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), ux.DetectMode()), report, err)
	return err
}

// dispatchAndMerge runs the full pipeline for cfg. The monitor server, when
// configured, lives exactly as long as the dispatch.
func dispatchAndMerge(ctx context.Context, cfg *config.Config, pm procexec.ProcessManager, watch bool) (*dispatch.Report, error) {
	p, err := newPipeline(ctx, cfg, pm, true)
	if err != nil {
		return nil, err
	}
	defer p.close()

	dopts := []dispatch.DispatcherOption{dispatch.WithLogger(slog.Default())}
	sopts := []dispatch.ServiceOption{dispatch.WithArtifactWatch(watch)}
	if p.journal != nil {
		dopts = append(dopts, dispatch.WithJournal(p.journal))
		sopts = append(sopts, dispatch.WithServiceJournal(p.journal))
	}
	if p.uploader != nil {
		sopts = append(sopts, dispatch.WithUploader(p.uploader))
	}

	d, err := dispatch.NewDispatcher(dispatch.OptionsFromConfig(cfg), pm, dopts...)
	if err != nil {
		return nil, err
	}

	if cfg.MonitorAddr != "" {
		var store monitor.RunStore
		if p.journal != nil {
			store = p.journal
		}
		srv := monitor.NewServer(cfg.MonitorAddr, monitor.NewHandlers(store, d.Active, slog.Default()),
			telemetry.MetricsHandler(), slog.Default())

		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.Serve(mctx); err != nil {
				slog.Warn("monitor stopped", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	svc := dispatch.NewService(d, p.merger, slog.Default(), sopts...)
	return svc.Run(ctx, cfg.RunNums)
}

// printReport summarises a dispatch for the terminal.
func printReport(p *ux.Printer, report *dispatch.Report, err error) {
	if report != nil && report.Dispatch != nil {
		res := report.Dispatch
		p.Title("Dispatch " + res.Session)
		rows := make([][]string, 0, len(res.Tasks))
		for _, t := range res.Tasks {
			rows = append(rows, taskRow(t.Entry(res.Session)))
		}
		p.Table(taskHeader, rows)
		done := len(res.Tasks) - len(res.Failed())
		p.Info("workers " + p.ProgressBar(done, len(res.Tasks), 20))
	}
	if report != nil && report.Merge != nil {
		for _, path := range report.Merge.Paths() {
			p.Success("wrote " + path)
		}
	}
	if report != nil {
		for _, a := range report.Archived {
			p.Info("archived " + a)
		}
	}

	var derr *dispatch.DispatchError
	switch {
	case err == nil:
	case errors.As(err, &derr):
		p.Error(derr.Error())
		p.Warning("merge skipped: fix the failed runs and re-run dispatch or merge")
	default:
		p.Error(err.Error())
	}
}
