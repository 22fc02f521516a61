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
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
	"github.com/AleutianAI/AleutianReduce/pkg/ux"
	"github.com/AleutianAI/AleutianReduce/services/dispatch"
	"github.com/AleutianAI/AleutianReduce/services/dispatch/journal"
	"github.com/AleutianAI/AleutianReduce/services/monitor"
	"github.com/AleutianAI/AleutianReduce/services/reduction"
	"github.com/AleutianAI/AleutianReduce/services/reduction/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func writeConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reduce.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// artifactWorkers fakes per-run workers that write their run artifact.
func artifactWorkers(cfg *config.Config, exit map[string]int) *procexec.MockProcessManager {
	opts := dispatch.MergeOptionsFromConfig(cfg)
	return &procexec.MockProcessManager{
		StartFunc: func(_ context.Context, cmd procexec.Command) (procexec.Process, error) {
			run := cmd.Args[len(cmd.Args)-1]
			return &procexec.FakeProcess{
				Pid: 4000,
				WaitFunc: func() (int, error) {
					if exit[run] != 0 {
						return exit[run], nil
					}
					return 0, os.WriteFile(opts.RunArtifact(run), []byte("peaks "+run+"\n"), 0644)
				},
			}, nil
		},
	}
}

func TestConfigureReducer(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	cfg := writeConfig(t, fmt.Sprintf(`
instrument_name: TOPAZ
output_directory: %s
exp_name: natrolite
run_nums: 1
reduce_one_run_script: one.py
steps:
  - name: normalise
    command: normalise.sh
  - name: integrate
    command: integrate.sh
    args: ["--radius", "0.1"]
`, out))

	var calls []string
	pm := &procexec.MockProcessManager{
		RunFunc: func(_ context.Context, name string, args ...string) ([]byte, error) {
			calls = append(calls, name+" "+args[len(args)-2])
			return []byte(name + " ok"), nil
		},
	}

	slot := reduction.NewSingleton(reduction.WithSearchPaths(reduction.NewSearchPaths()))
	require.NoError(t, configureReducer(slot, cfg, []string{"run_4692.nxs.h5"}, pm))
	assert.Len(t, slot.Steps(), 2)

	log, err := slot.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(log, "TOPAZ reduction - "))
	assert.Contains(t, log, "integrate.sh ok")
	assert.Equal(t, []string{"normalise.sh run_4692.nxs.h5", "integrate.sh run_4692.nxs.h5"}, calls)

	_, err = os.Stat(filepath.Join(out, "TOPAZ_reduction.log"))
	assert.NoError(t, err)
	assert.Empty(t, slot.Steps())
}

func TestConfigureReducer_BadDataDirectory(t *testing.T) {
	cfg := writeConfig(t, fmt.Sprintf(`
instrument_name: TOPAZ
data_directory: %s
output_directory: %s
exp_name: natrolite
run_nums: 1
reduce_one_run_script: one.py
`, filepath.Join(t.TempDir(), "missing"), t.TempDir()))

	slot := reduction.NewSingleton(reduction.WithSearchPaths(reduction.NewSearchPaths()))
	err := configureReducer(slot, cfg, nil, &procexec.MockProcessManager{})
	assert.ErrorIs(t, err, reduction.ErrNotDirectory)
}

func dispatchConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return writeConfig(t, fmt.Sprintf(`
instrument_name: TOPAZ
output_directory: %s
journal_dir: %s
exp_name: natrolite
run_nums: "5,3,9"
max_processes: 2
spawn_interval: 0s
reduce_one_run_script: ReduceSCD_OneRun.py
`, filepath.Join(dir, "out"), filepath.Join(dir, "journal")))
}

func TestDispatchAndMerge(t *testing.T) {
	cfg := dispatchConfig(t)
	require.NoError(t, ensureDir(cfg.OutputDirectory))
	ctx := context.Background()

	report, err := dispatchAndMerge(ctx, cfg, artifactWorkers(cfg, nil), false)
	require.NoError(t, err)
	require.NotNil(t, report.Merge)

	data, err := os.ReadFile(report.Merge.PeaksPath)
	require.NoError(t, err)
	assert.Equal(t, "peaks 5\npeaks 3\npeaks 9\n", string(data))

	resp, source, err := loadSession(ctx, "", cfg.JournalDir, "latest")
	require.NoError(t, err)
	assert.Equal(t, "journal", source)

	var out bytes.Buffer
	renderSession(ux.NewPrinter(&out, &out, ux.ModeMachine), resp)
	text := out.String()
	assert.Contains(t, text, "status merged")
	assert.Contains(t, text, "STATE\tRUN\tPID\tEXIT\tDURATION\tERROR")
	assert.Contains(t, text, "succeeded\t5\t4000\t0")
	assert.Contains(t, text, "finished 3/3")
}

func TestDispatchAndMerge_FailedRunSkipsMerge(t *testing.T) {
	cfg := dispatchConfig(t)
	require.NoError(t, ensureDir(cfg.OutputDirectory))

	report, err := dispatchAndMerge(context.Background(), cfg, artifactWorkers(cfg, map[string]int{"3": 2}), false)
	var derr *dispatch.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, []string{"3"}, derr.FailedRuns())
	assert.Nil(t, report.Merge)

	var out bytes.Buffer
	printReport(ux.NewPrinter(&out, &out, ux.ModeMachine), report, err)
	assert.Contains(t, out.String(), "failed\t3")
	assert.Contains(t, out.String(), "ERROR: 1 of 3 runs failed")
	assert.Contains(t, out.String(), "WARN: merge skipped")
}

func TestMergeOnly(t *testing.T) {
	cfg := dispatchConfig(t)
	require.NoError(t, ensureDir(cfg.OutputDirectory))
	opts := dispatch.MergeOptionsFromConfig(cfg)
	for _, run := range []string{"9", "5", "3"} {
		require.NoError(t, os.WriteFile(opts.RunArtifact(run), []byte("peaks "+run+"\n"), 0644))
	}

	report, err := mergeOnly(context.Background(), cfg, &procexec.MockProcessManager{})
	require.NoError(t, err)
	data, err := os.ReadFile(report.Merge.PeaksPath)
	require.NoError(t, err)
	assert.Equal(t, "peaks 5\npeaks 3\npeaks 9\n", string(data))
}

func seedSession(t *testing.T, j *journal.Journal) {
	t.Helper()
	ctx := context.Background()
	start := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, j.BeginSession(ctx, journal.Session{
		ID: "s1", ExpName: "natrolite", Runs: []string{"5", "3", "9"}, StartedAt: start, Status: "running",
	}))
	require.NoError(t, j.Record(ctx, journal.Entry{
		Session: "s1", Seq: 0, Run: "5", State: "succeeded", PID: 11,
		StartedAt: start, EndedAt: start.Add(2 * time.Second),
	}))
	require.NoError(t, j.Record(ctx, journal.Entry{
		Session: "s1", Seq: 1, Run: "3", State: "failed", PID: 12, ExitCode: 2,
		StartedAt: start, EndedAt: start.Add(time.Second), Error: "exit status 2",
	}))
	require.NoError(t, j.Record(ctx, journal.Entry{
		Session: "s1", Seq: 2, Run: "9", State: "running", PID: 13, StartedAt: start,
	}))
}

func TestRenderSession(t *testing.T) {
	j, err := journal.OpenInMemory()
	require.NoError(t, err)
	defer j.Close()
	seedSession(t, j)

	resp, err := readSession(context.Background(), j, "s1")
	require.NoError(t, err)

	var out bytes.Buffer
	renderSession(ux.NewPrinter(&out, &out, ux.ModeMachine), resp)
	want := "Session s1: experiment natrolite; started 2025-03-04T05:06:07Z; status running\n" +
		"STATE\tRUN\tPID\tEXIT\tDURATION\tERROR\n" +
		"succeeded\t5\t11\t0\t2s\t\n" +
		"failed\t3\t12\t2\t1s\texit status 2\n" +
		"running\t9\t13\t-\t-\t\n" +
		"finished 2/3\n"
	assert.Equal(t, want, out.String())

	_, err = readSession(context.Background(), j, "missing")
	assert.ErrorIs(t, err, journal.ErrSessionNotFound)
}

func TestLoadSession_BesideRunningDispatch(t *testing.T) {
	dir := t.TempDir()
	writer, err := journal.Open(journal.DefaultConfig(dir))
	require.NoError(t, err)
	defer writer.Close()
	seedSession(t, writer)

	srv := httptest.NewServer(monitor.NewRouter(monitor.NewHandlers(writer, nil, nil), nil))
	defer srv.Close()

	resp, source, err := loadSession(context.Background(), srv.Listener.Addr().String(), dir, "latest")
	require.NoError(t, err)
	assert.Equal(t, "monitor", source)
	assert.Equal(t, "s1", resp.Session.ID)
	require.Len(t, resp.Tasks, 3)
	assert.Equal(t, "running", resp.Tasks[2].State)

	_, _, err = loadSession(context.Background(), srv.Listener.Addr().String(), dir, "missing")
	assert.ErrorIs(t, err, journal.ErrSessionNotFound)
}

func TestLoadSession_FallsBackToJournal(t *testing.T) {
	dir := t.TempDir()
	writer, err := journal.Open(journal.DefaultConfig(dir))
	require.NoError(t, err)
	seedSession(t, writer)
	require.NoError(t, writer.Close())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	resp, source, err := loadSession(context.Background(), addr, dir, "s1")
	require.NoError(t, err)
	assert.Equal(t, "journal", source)
	assert.Equal(t, "natrolite", resp.Session.ExpName)

	_, _, err = loadSession(context.Background(), addr, "", "s1")
	assert.ErrorIs(t, err, monitor.ErrUnreachable)
}

func TestApplyRunsFlag(t *testing.T) {
	t.Cleanup(func() { runsExpr = "" })
	cfg := &config.Config{RunNums: config.RunList{"1"}}

	runsExpr = "7:8"
	require.NoError(t, applyRunsFlag(cfg))
	assert.Equal(t, config.RunList{"7", "8"}, cfg.RunNums)

	runsExpr = "8:7"
	assert.Error(t, applyRunsFlag(cfg))

	runsExpr = " , "
	assert.Error(t, applyRunsFlag(cfg))
}

func TestTaskRow(t *testing.T) {
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	row := taskRow(journal.Entry{
		Run: "5", State: "failed", PID: 12, ExitCode: 2,
		StartedAt: start, EndedAt: start.Add(1500 * time.Millisecond), Error: "exit status 2",
	})
	assert.Equal(t, []string{"failed", "5", "12", "2", "1.5s", "exit status 2"}, row)

	assert.Equal(t, []string{"pending", "9", "-", "-", "-", ""}, taskRow(journal.Entry{Run: "9", State: "pending"}))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "reduce dev\n", out.String())
}
