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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
)

// Artifact is an opaque peaks payload plus the runs it was built from.
type Artifact struct {
	Sources []string
	Data    []byte
}

// ArtifactStore loads, combines and saves peaks artifacts.
type ArtifactStore interface {
	Load(ctx context.Context, path string) (*Artifact, error)

	// Combine appends src to dst.
	Combine(ctx context.Context, dst, src *Artifact) error

	// Save writes a, replacing any existing file.
	Save(ctx context.Context, a *Artifact, path string) error
}

// FileStore keeps artifacts as files and combines them by concatenation.
type FileStore struct{}

func (FileStore) Load(ctx context.Context, path string) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, path)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &Artifact{Sources: []string{path}, Data: data}, nil
}

func (FileStore) Combine(ctx context.Context, dst, src *Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dst.Data) > 0 && !bytes.HasSuffix(dst.Data, []byte("\n")) {
		dst.Data = append(dst.Data, '\n')
	}
	dst.Data = append(dst.Data, src.Data...)
	dst.Sources = append(dst.Sources, src.Sources...)
	return nil
}

// Save writes through a temporary file and rename so readers never see a
// partial artifact.
func (FileStore) Save(ctx context.Context, a *Artifact, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(a.Data); err != nil {
		tmp.Close()
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// Indexer finds and applies orientation matrices. Implementations are
// external numerical tools; the merge phase only sequences them.
type Indexer interface {
	// FindUB computes a UB matrix for the peaks at peaksPath.
	FindUB(ctx context.Context, peaksPath string) ([]byte, error)

	// Index returns the peaks at peaksPath indexed with the UB at ubPath.
	Index(ctx context.Context, peaksPath, ubPath string) ([]byte, error)

	// Conventional returns the UB of the requested conventional cell.
	Conventional(ctx context.Context, peaksPath, ubPath, cell, centering string) ([]byte, error)
}

// CommandIndexer delegates to an external program:
//
//	<command> find-ub <peaks>                               -> UB on stdout
//	<command> index <peaks> <ub>                            -> peaks on stdout
//	<command> conventional <peaks> <ub> <cell> <centering>  -> UB on stdout
type CommandIndexer struct {
	name string
	args []string
	pm   procexec.ProcessManager
}

// NewCommandIndexer splits command on whitespace, e.g. "python3 index_peaks.py".
func NewCommandIndexer(command string, pm procexec.ProcessManager) (*CommandIndexer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("index command must not be empty")
	}
	if pm == nil {
		pm = procexec.NewDefaultProcessManager()
	}
	return &CommandIndexer{name: fields[0], args: fields[1:], pm: pm}, nil
}

func (c *CommandIndexer) run(ctx context.Context, args ...string) ([]byte, error) {
	full := append(append([]string{}, c.args...), args...)
	out, err := c.pm.Run(ctx, c.name, full...)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.name, args[0], err)
	}
	return out, nil
}

func (c *CommandIndexer) FindUB(ctx context.Context, peaksPath string) ([]byte, error) {
	return c.run(ctx, "find-ub", peaksPath)
}

func (c *CommandIndexer) Index(ctx context.Context, peaksPath, ubPath string) ([]byte, error) {
	return c.run(ctx, "index", peaksPath, ubPath)
}

func (c *CommandIndexer) Conventional(ctx context.Context, peaksPath, ubPath, cell, centering string) ([]byte, error) {
	return c.run(ctx, "conventional", peaksPath, ubPath, cell, centering)
}

// PassthroughIndexer leaves peaks untouched and reports an identity UB.
// Used when no index command is configured.
type PassthroughIndexer struct{}

// IdentityUB is the matrix PassthroughIndexer reports.
var IdentityUB = []byte("1 0 0\n0 1 0\n0 0 1\n")

func (PassthroughIndexer) FindUB(ctx context.Context, _ string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), IdentityUB...), nil
}

func (PassthroughIndexer) Index(ctx context.Context, peaksPath, _ string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(peaksPath)
}

func (PassthroughIndexer) Conventional(ctx context.Context, _, ubPath, _, _ string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(ubPath)
}

var (
	_ ArtifactStore = FileStore{}
	_ Indexer       = (*CommandIndexer)(nil)
	_ Indexer       = PassthroughIndexer{}
)
