// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch reports per-run worker artifacts as they appear in the
// output directory while a dispatch is in progress.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ArtifactEvent is delivered once per run when its artifact first appears.
type ArtifactEvent struct {
	Run  string
	Path string
}

// NameFunc maps a run number to the base name of its artifact.
type NameFunc func(run string) string

// ArtifactWatcher watches one directory for the artifacts of a fixed set of
// runs.
//
// Thread Safety: safe for concurrent use.
type ArtifactWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// byName maps artifact base name to run number.
	byName map[string]string

	mu       sync.Mutex
	seen     map[string]string
	callback func(ArtifactEvent)

	closeOnce sync.Once
}

// New creates a watcher for the artifacts of runs inside dir.
//
// Description:
//
//	Files already present in dir when New is called are reported on the
//	first Run as well, so a restarted dispatch sees earlier results.
//
// Inputs:
//
//	dir - Directory to watch. Must exist.
//	runs - Run numbers of interest.
//	name - Maps a run number to its artifact base name.
//	logger - Nil means slog.Default().
func New(dir string, runs []string, name NameFunc, logger *slog.Logger) (*ArtifactWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(abs); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", abs, err)
	}

	byName := make(map[string]string, len(runs))
	for _, run := range runs {
		byName[name(run)] = run
	}

	return &ArtifactWatcher{
		dir:     abs,
		watcher: w,
		logger:  logger,
		byName:  byName,
		seen:    make(map[string]string),
	}, nil
}

// OnArtifact sets the callback invoked for each newly seen artifact.
func (a *ArtifactWatcher) OnArtifact(fn func(ArtifactEvent)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callback = fn
}

// Run processes events until ctx is cancelled or the watcher is closed.
func (a *ArtifactWatcher) Run(ctx context.Context) {
	a.scanExisting()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			a.observe(event.Name)

		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("artifact watcher error", slog.String("error", err.Error()))
		}
	}
}

func (a *ArtifactWatcher) scanExisting() {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		a.logger.Warn("artifact watcher scan failed", slog.String("dir", a.dir), slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			a.observe(filepath.Join(a.dir, e.Name()))
		}
	}
}

func (a *ArtifactWatcher) observe(path string) {
	run, ok := a.byName[filepath.Base(path)]
	if !ok {
		return
	}

	a.mu.Lock()
	if _, dup := a.seen[run]; dup {
		a.mu.Unlock()
		return
	}
	a.seen[run] = path
	cb := a.callback
	a.mu.Unlock()

	a.logger.Info("run artifact available", slog.String("run", run), slog.String("path", path))
	if cb != nil {
		cb(ArtifactEvent{Run: run, Path: path})
	}
}

// Seen returns run number to artifact path for every artifact observed.
func (a *ArtifactWatcher) Seen() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.seen))
	for k, v := range a.seen {
		out[k] = v
	}
	return out
}

// Close stops the underlying watcher. Safe to call more than once.
func (a *ArtifactWatcher) Close() error {
	var err error
	a.closeOnce.Do(func() {
		err = a.watcher.Close()
	})
	return err
}
