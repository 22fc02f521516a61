// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianReduce/services/dispatch/archive"
	"github.com/AleutianAI/AleutianReduce/services/dispatch/watch"
)

// Report is the outcome of a full dispatch-and-merge.
type Report struct {
	Dispatch *Result
	Merge    *MergeResult

	// Archived lists the uploaded files, if an archive is configured.
	Archived []string
}

// Service runs dispatch, merge and archive in sequence.
type Service struct {
	dispatcher *Dispatcher
	merger     *Merger
	uploader   archive.Uploader
	journal    Journal
	watch      bool
	logger     *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithUploader archives merged files after a successful merge.
func WithUploader(u archive.Uploader) ServiceOption {
	return func(s *Service) { s.uploader = u }
}

// WithServiceJournal stamps the merge outcome on the dispatch session.
func WithServiceJournal(j Journal) ServiceOption {
	return func(s *Service) { s.journal = j }
}

// WithArtifactWatch logs per-run artifacts as workers produce them.
func WithArtifactWatch(enabled bool) ServiceOption {
	return func(s *Service) { s.watch = enabled }
}

// NewService combines a dispatcher and a merger.
func NewService(d *Dispatcher, m *Merger, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{dispatcher: d, merger: m, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run dispatches every run, waits for all workers, and only then merges.
//
// Outputs:
//
//	*Report - Always non-nil; filled as far as the pipeline got.
//	error - *DispatchError if any worker failed (no merge is attempted),
//	otherwise the merge or archive error.
func (s *Service) Run(ctx context.Context, runs []string) (*Report, error) {
	if ctx == nil {
		return &Report{}, ErrNilContext
	}
	report := &Report{}

	if s.watch {
		stop := s.startWatch(ctx, runs)
		defer stop()
	}

	res, err := s.dispatcher.Dispatch(ctx, runs)
	report.Dispatch = res
	if err != nil {
		return report, err
	}

	merged, err := s.merger.Merge(ctx, runs)
	if err != nil {
		s.finish(ctx, res.Session, "merge_failed")
		return report, fmt.Errorf("merge: %w", err)
	}
	report.Merge = merged
	s.finish(ctx, res.Session, "merged")

	if s.uploader != nil {
		if err := archive.UploadAll(ctx, s.uploader, merged.Paths()...); err != nil {
			return report, fmt.Errorf("archive: %w", err)
		}
		report.Archived = merged.Paths()
	}
	return report, nil
}

func (s *Service) finish(ctx context.Context, session, status string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.FinishSession(context.WithoutCancel(ctx), session, status); err != nil {
		s.logger.Warn("journal write failed", slog.String("session", session), slog.String("error", err.Error()))
	}
}

func (s *Service) startWatch(ctx context.Context, runs []string) func() {
	opts := s.merger.Options()
	w, err := watch.New(opts.OutputDir, runs, opts.RunArtifactName, s.logger)
	if err != nil {
		s.logger.Warn("artifact watch disabled", slog.String("error", err.Error()))
		return func() {}
	}

	total := len(runs)
	w.OnArtifact(func(e watch.ArtifactEvent) {
		s.logger.Info("run progress",
			slog.String("run", e.Run),
			slog.Int("done", len(w.Seen())),
			slog.Int("total", total),
		)
	})

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(wctx)
	}()
	return func() {
		cancel()
		<-done
		_ = w.Close()
	}
}
