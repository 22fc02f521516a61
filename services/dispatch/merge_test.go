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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
)

// recordingStore wraps FileStore and records the order of loads.
type recordingStore struct {
	FileStore
	mu     sync.Mutex
	loads  []string
	onLoad func(path string)
}

func (r *recordingStore) Load(ctx context.Context, path string) (*Artifact, error) {
	r.mu.Lock()
	r.loads = append(r.loads, filepath.Base(path))
	cb := r.onLoad
	r.mu.Unlock()
	if cb != nil {
		cb(path)
	}
	return r.FileStore.Load(ctx, path)
}

func writeRunArtifacts(t *testing.T, opts MergeOptions, runs ...string) {
	t.Helper()
	for _, run := range runs {
		require.NoError(t, os.WriteFile(opts.RunArtifact(run), []byte("peaks "+run+"\n"), 0644))
	}
}

func TestMerge_FollowsRunOrder(t *testing.T) {
	opts := MergeOptions{ExpName: "natrolite", OutputDir: t.TempDir()}
	writeRunArtifacts(t, opts, "9", "3", "5")

	store := &recordingStore{}
	m, err := NewMerger(opts, store, nil, nil)
	require.NoError(t, err)

	res, err := m.Merge(context.Background(), []string{"5", "3", "9"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"natrolite_5_Niggli.integrate",
		"natrolite_3_Niggli.integrate",
		"natrolite_9_Niggli.integrate",
	}, store.loads)

	data, err := os.ReadFile(res.PeaksPath)
	require.NoError(t, err)
	assert.Equal(t, "peaks 5\npeaks 3\npeaks 9\n", string(data))
	assert.Equal(t, filepath.Join(opts.OutputDir, "natrolite_Niggli.integrate"), res.PeaksPath)

	ub, err := os.ReadFile(res.MatrixPath)
	require.NoError(t, err)
	assert.Equal(t, IdentityUB, ub)
	assert.Equal(t, filepath.Join(opts.OutputDir, "natrolite_Niggli.mat"), res.MatrixPath)
	assert.Len(t, res.Paths(), 2)
}

func TestMerge_ConventionalCell(t *testing.T) {
	opts := MergeOptions{ExpName: "e", OutputDir: t.TempDir(), CellType: "Orthorhombic", Centering: "F"}
	writeRunArtifacts(t, opts, "1", "2")

	m, err := NewMerger(opts, nil, nil, nil)
	require.NoError(t, err)

	res, err := m.Merge(context.Background(), []string{"1", "2"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(opts.OutputDir, "e_Orthorhombic_F.integrate"), res.ConventionalPeaksPath)
	assert.Equal(t, filepath.Join(opts.OutputDir, "e_Orthorhombic_F.mat"), res.ConventionalMatrix)
	for _, p := range res.Paths() {
		assert.FileExists(t, p)
	}
	conv, err := os.ReadFile(res.ConventionalPeaksPath)
	require.NoError(t, err)
	assert.Equal(t, "peaks 1\npeaks 2\n", string(conv))
}

func TestMerge_MissingRunArtifact(t *testing.T) {
	opts := MergeOptions{ExpName: "e", OutputDir: t.TempDir()}
	writeRunArtifacts(t, opts, "1")

	m, err := NewMerger(opts, nil, nil, nil)
	require.NoError(t, err)

	_, err = m.Merge(context.Background(), []string{"1", "2"})
	assert.ErrorIs(t, err, ErrMissingArtifact)
	assert.Contains(t, err.Error(), "run 2")
	assert.NoFileExists(t, filepath.Join(opts.OutputDir, "e_Niggli.integrate"))
}

func TestMerge_CommandIndexer(t *testing.T) {
	opts := MergeOptions{ExpName: "e", OutputDir: t.TempDir()}
	writeRunArtifacts(t, opts, "1")

	pm := &procexec.MockProcessManager{
		RunFunc: func(_ context.Context, name string, args ...string) ([]byte, error) {
			switch args[1] {
			case "find-ub":
				return []byte("UB"), nil
			case "index":
				data, err := os.ReadFile(args[2])
				if err != nil {
					return nil, err
				}
				return []byte(strings.ToUpper(string(data))), nil
			}
			return nil, errors.New("unexpected subcommand " + args[1])
		},
	}
	idx, err := NewCommandIndexer("python3 index_peaks.py", pm)
	require.NoError(t, err)

	m, err := NewMerger(opts, nil, idx, nil)
	require.NoError(t, err)
	res, err := m.Merge(context.Background(), []string{"1"})
	require.NoError(t, err)

	peaks, err := os.ReadFile(res.PeaksPath)
	require.NoError(t, err)
	assert.Equal(t, "PEAKS 1\n", string(peaks))

	calls := pm.GetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "python3", calls[0].Name)
	assert.Equal(t, []string{"index_peaks.py", "find-ub", res.PeaksPath}, calls[0].Args)
	assert.Equal(t, []string{"index_peaks.py", "index", res.PeaksPath, res.MatrixPath}, calls[1].Args)
}

func TestMerge_IndexerFailure(t *testing.T) {
	opts := MergeOptions{ExpName: "e", OutputDir: t.TempDir()}
	writeRunArtifacts(t, opts, "1")

	pm := &procexec.MockProcessManager{
		RunFunc: func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New("no peaks indexed")
		},
	}
	idx, err := NewCommandIndexer("indexer", pm)
	require.NoError(t, err)
	m, err := NewMerger(opts, nil, idx, nil)
	require.NoError(t, err)

	_, err = m.Merge(context.Background(), []string{"1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no peaks indexed")
}

func TestNewMerger_Validation(t *testing.T) {
	_, err := NewMerger(MergeOptions{}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewMerger(MergeOptions{ExpName: "e", CellType: "Cubic"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewCommandIndexer("  ", nil)
	assert.Error(t, err)

	m, err := NewMerger(MergeOptions{ExpName: "e"}, nil, nil, nil)
	require.NoError(t, err)
	_, err = m.Merge(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoRuns)
}

func TestFileStore_SaveReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.integrate")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0644))

	require.NoError(t, FileStore{}.Save(context.Background(), &Artifact{Data: []byte("new")}, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
