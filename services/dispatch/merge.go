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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianReduce/services/reduction/config"
)

// MergeOptions names the merge inputs and outputs.
type MergeOptions struct {
	ExpName   string
	OutputDir string

	// CellType and Centering request a conventional-cell pass when both are set.
	CellType  string
	Centering string
}

// MergeOptionsFromConfig builds merge options from a loaded configuration.
func MergeOptionsFromConfig(cfg *config.Config) MergeOptions {
	return MergeOptions{
		ExpName:   cfg.ExpName,
		OutputDir: cfg.OutputDirectory,
		CellType:  cfg.CellType,
		Centering: cfg.Centering,
	}
}

// RunArtifactName is the base name of the artifact a worker writes for run.
func (o MergeOptions) RunArtifactName(run string) string {
	return fmt.Sprintf("%s_%s_Niggli.integrate", o.ExpName, run)
}

// RunArtifact is the path of the artifact a worker writes for run.
func (o MergeOptions) RunArtifact(run string) string {
	return filepath.Join(o.OutputDir, o.RunArtifactName(run))
}

func (o MergeOptions) combined(ext string) string {
	return filepath.Join(o.OutputDir, fmt.Sprintf("%s_Niggli.%s", o.ExpName, ext))
}

func (o MergeOptions) conventional(ext string) string {
	return filepath.Join(o.OutputDir, fmt.Sprintf("%s_%s_%s.%s", o.ExpName, o.CellType, o.Centering, ext))
}

func (o MergeOptions) wantsConventional() bool {
	return o.CellType != "" && o.Centering != ""
}

// MergeResult lists the files the merge produced.
type MergeResult struct {
	Runs                  []string
	PeaksPath             string
	MatrixPath            string
	ConventionalPeaksPath string
	ConventionalMatrix    string
	Duration              time.Duration
}

// Paths returns every produced file, combined first.
func (m *MergeResult) Paths() []string {
	paths := []string{m.PeaksPath, m.MatrixPath}
	if m.ConventionalPeaksPath != "" {
		paths = append(paths, m.ConventionalPeaksPath, m.ConventionalMatrix)
	}
	return paths
}

// Merger combines per-run artifacts and re-indexes the result.
type Merger struct {
	opts    MergeOptions
	store   ArtifactStore
	indexer Indexer
	logger  *slog.Logger
}

// NewMerger creates a Merger. Nil store and indexer default to FileStore
// and PassthroughIndexer.
func NewMerger(opts MergeOptions, store ArtifactStore, indexer Indexer, logger *slog.Logger) (*Merger, error) {
	if opts.ExpName == "" {
		return nil, errors.New("experiment name must not be empty")
	}
	if (opts.CellType == "") != (opts.Centering == "") {
		return nil, errors.New("cell type and centering must be set together")
	}
	if store == nil {
		store = FileStore{}
	}
	if indexer == nil {
		indexer = PassthroughIndexer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{opts: opts, store: store, indexer: indexer, logger: logger}, nil
}

// Options returns the merge options.
func (m *Merger) Options() MergeOptions { return m.opts }

// Merge combines the artifacts of runs, in the given order, and indexes the
// combined set.
//
// Description:
//
//	The first run initialises the combined artifact and each later run is
//	appended. The combined peaks are saved, a UB matrix is found and saved,
//	and the peaks are re-indexed with it and saved again. When a cell type
//	and centering are configured the same is repeated for the conventional
//	cell into separate files.
//
// Outputs:
//
//	*MergeResult - Produced files.
//	error - The first failure. ErrMissingArtifact when a run has no output.
func (m *Merger) Merge(ctx context.Context, runs []string) (*MergeResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	initMetrics(m.logger)

	ctx, span := tracer.Start(ctx, "dispatch.Merge",
		trace.WithAttributes(
			attribute.String("merge.exp", m.opts.ExpName),
			attribute.Int("merge.runs", len(runs)),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := m.merge(ctx, runs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("merge failed", slog.String("exp", m.opts.ExpName), slog.String("error", err.Error()))
		return nil, err
	}
	result.Duration = time.Since(start)
	if mergeDuration != nil {
		mergeDuration.Record(ctx, result.Duration.Seconds())
	}
	span.SetStatus(codes.Ok, "")
	m.logger.Info("merge completed",
		slog.String("exp", m.opts.ExpName),
		slog.Int("runs", len(runs)),
		slog.String("peaks", result.PeaksPath),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

func (m *Merger) merge(ctx context.Context, runs []string) (*MergeResult, error) {
	var combined *Artifact
	for _, run := range runs {
		a, err := m.store.Load(ctx, m.opts.RunArtifact(run))
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", run, err)
		}
		if combined == nil {
			combined = a
		} else if err := m.store.Combine(ctx, combined, a); err != nil {
			return nil, fmt.Errorf("run %s: combine: %w", run, err)
		}
		m.logger.Debug("run merged", slog.String("run", run))
	}

	result := &MergeResult{
		Runs:       runs,
		PeaksPath:  m.opts.combined("integrate"),
		MatrixPath: m.opts.combined("mat"),
	}
	if err := m.indexInto(ctx, combined, result.PeaksPath, result.MatrixPath, func() ([]byte, error) {
		return m.indexer.FindUB(ctx, result.PeaksPath)
	}); err != nil {
		return nil, err
	}

	if !m.opts.wantsConventional() {
		return result, nil
	}

	result.ConventionalPeaksPath = m.opts.conventional("integrate")
	result.ConventionalMatrix = m.opts.conventional("mat")
	indexed, err := m.store.Load(ctx, result.PeaksPath)
	if err != nil {
		return nil, err
	}
	if err := m.indexInto(ctx, indexed, result.ConventionalPeaksPath, result.ConventionalMatrix, func() ([]byte, error) {
		return m.indexer.Conventional(ctx, result.PeaksPath, result.MatrixPath, m.opts.CellType, m.opts.Centering)
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// indexInto saves peaks to peaksPath, obtains a UB from findUB, saves it to
// ubPath and overwrites peaksPath with the peaks indexed by that UB.
func (m *Merger) indexInto(ctx context.Context, peaks *Artifact, peaksPath, ubPath string, findUB func() ([]byte, error)) error {
	if err := m.store.Save(ctx, peaks, peaksPath); err != nil {
		return err
	}
	ub, err := findUB()
	if err != nil {
		return fmt.Errorf("find UB for %s: %w", filepath.Base(peaksPath), err)
	}
	if err := m.store.Save(ctx, &Artifact{Data: ub}, ubPath); err != nil {
		return err
	}
	indexed, err := m.indexer.Index(ctx, peaksPath, ubPath)
	if err != nil {
		return fmt.Errorf("index %s: %w", filepath.Base(peaksPath), err)
	}
	return m.store.Save(ctx, &Artifact{Sources: peaks.Sources, Data: indexed}, peaksPath)
}
