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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
	"github.com/AleutianAI/AleutianReduce/services/dispatch/journal"
)

// =============================================================================
// Test helpers
// =============================================================================

func testOptions(max int) Options {
	return Options{
		ExpName:      "natrolite",
		ConfigPath:   "/cfg/reduce.yaml",
		Python:       "python3",
		Script:       "ReduceSCD_OneRun.py",
		MaxProcesses: max,
	}
}

// workerTracker fakes worker processes and tracks how many are alive.
type workerTracker struct {
	mu       sync.Mutex
	live     int
	maxLive  int
	finished int
	pid      int32

	// hold is how long each fake worker runs, by run number.
	hold map[string]time.Duration
	// exit is the exit code by run number.
	exit map[string]int
}

func (p *workerTracker) manager() *procexec.MockProcessManager {
	return &procexec.MockProcessManager{
		StartFunc: func(ctx context.Context, cmd procexec.Command) (procexec.Process, error) {
			run := cmd.Args[len(cmd.Args)-1]
			p.mu.Lock()
			p.live++
			if p.live > p.maxLive {
				p.maxLive = p.live
			}
			p.mu.Unlock()

			return &procexec.FakeProcess{
				Pid: int(atomic.AddInt32(&p.pid, 1)),
				WaitFunc: func() (int, error) {
					d := p.hold[run]
					if d == 0 {
						d = 20 * time.Millisecond
					}
					code := p.exit[run]
					select {
					case <-time.After(d):
					case <-ctx.Done():
						code = -1
					}
					p.mu.Lock()
					p.live--
					p.finished++
					p.mu.Unlock()
					return code, nil
				},
			}, nil
		},
	}
}

func startedRuns(pm *procexec.MockProcessManager) []string {
	var runs []string
	for _, c := range pm.GetCalls() {
		if c.Method == "Start" {
			runs = append(runs, c.Args[len(c.Args)-1])
		}
	}
	return runs
}

// =============================================================================
// Command building
// =============================================================================

func TestOptions_CommandLocal(t *testing.T) {
	cmd := testOptions(1).Command("4692")
	assert.Equal(t, "python3", cmd.Name)
	assert.Equal(t, []string{"ReduceSCD_OneRun.py", "/cfg/reduce.yaml", "4692"}, cmd.Args)
}

func TestOptions_CommandSlurm(t *testing.T) {
	opts := testOptions(1)
	opts.SlurmQueue = "topazq"
	opts.OutputDir = "/out"

	cmd := opts.Command("4692")
	assert.Equal(t, "srun -p topazq --cpus-per-task=3 -J ReduceSCD_Parallel.py -o /out/natrolite_4692_console.txt python3 ReduceSCD_OneRun.py /cfg/reduce.yaml 4692", cmd.String())
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(testOptions(0), nil)
	assert.Error(t, err)

	opts := testOptions(1)
	opts.Script = ""
	_, err = NewDispatcher(opts, nil)
	assert.Error(t, err)
}

// =============================================================================
// Dispatch
// =============================================================================

func TestDispatch_NeverExceedsMaxProcesses(t *testing.T) {
	tracker := &workerTracker{}
	pm := tracker.manager()
	d, err := NewDispatcher(testOptions(2), pm)
	require.NoError(t, err)

	runs := []string{"1", "2", "3", "4", "5", "6"}
	res, err := d.Dispatch(context.Background(), runs)
	require.NoError(t, err)

	assert.LessOrEqual(t, tracker.maxLive, 2)
	assert.LessOrEqual(t, res.Peak, 2)
	assert.Equal(t, 6, tracker.finished)
	assert.Equal(t, 0, d.Active())
	for _, task := range res.Tasks {
		assert.Equal(t, TaskSucceeded, task.State, "run %s", task.Run)
		assert.NotZero(t, task.PID)
	}
}

func TestDispatch_PeakIsPerDispatch(t *testing.T) {
	tracker := &workerTracker{hold: map[string]time.Duration{
		"1": 50 * time.Millisecond, "2": 50 * time.Millisecond, "3": 50 * time.Millisecond,
	}}
	d, err := NewDispatcher(testOptions(3), tracker.manager())
	require.NoError(t, err)

	first, err := d.Dispatch(context.Background(), []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, 3, first.Peak)

	second, err := d.Dispatch(context.Background(), []string{"4"})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Peak)
	assert.Equal(t, 1, d.Peak())
}

func TestDispatch_StartsInRunListOrder(t *testing.T) {
	tracker := &workerTracker{hold: map[string]time.Duration{"5": 60 * time.Millisecond}}
	pm := tracker.manager()
	d, err := NewDispatcher(testOptions(2), pm)
	require.NoError(t, err)

	runs := []string{"5", "3", "9", "1"}
	_, err = d.Dispatch(context.Background(), runs)
	require.NoError(t, err)
	assert.Equal(t, runs, startedRuns(pm))
}

func TestDispatch_SingleProcessIsSequential(t *testing.T) {
	tracker := &workerTracker{}
	d, err := NewDispatcher(testOptions(1), tracker.manager())
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.maxLive)
}

func TestDispatch_SpawnInterval(t *testing.T) {
	tracker := &workerTracker{hold: map[string]time.Duration{"1": time.Millisecond, "2": time.Millisecond, "3": time.Millisecond}}
	opts := testOptions(3)
	opts.SpawnInterval = 40 * time.Millisecond
	d, err := NewDispatcher(opts, tracker.manager())
	require.NoError(t, err)

	start := time.Now()
	_, err = d.Dispatch(context.Background(), []string{"1", "2", "3"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}

func TestDispatch_FailingWorker(t *testing.T) {
	tracker := &workerTracker{exit: map[string]int{"9": 1}}
	d, err := NewDispatcher(testOptions(2), tracker.manager())
	require.NoError(t, err)

	res, err := d.Dispatch(context.Background(), []string{"5", "9", "3"})
	require.Error(t, err)

	var derr *DispatchError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, []string{"9"}, derr.FailedRuns())
	assert.Equal(t, 3, derr.Total)
	assert.Contains(t, err.Error(), "run 9: exit code 1")

	// Every worker still ran to completion.
	assert.Equal(t, 3, tracker.finished)
	require.NotNil(t, res)
	assert.Equal(t, TaskSucceeded, res.Tasks[0].State)
	assert.Equal(t, TaskFailed, res.Tasks[1].State)
	assert.Equal(t, 1, res.Tasks[1].ExitCode)
}

func TestDispatch_StartFailure(t *testing.T) {
	errNoExec := errors.New("exec format error")
	pm := &procexec.MockProcessManager{
		StartFunc: func(_ context.Context, cmd procexec.Command) (procexec.Process, error) {
			if cmd.Args[len(cmd.Args)-1] == "3" {
				return nil, errNoExec
			}
			return &procexec.FakeProcess{Pid: 1}, nil
		},
	}
	d, err := NewDispatcher(testOptions(2), pm)
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), []string{"1", "3"})
	var derr *DispatchError
	require.True(t, errors.As(err, &derr))
	require.Len(t, derr.Failed, 1)
	assert.ErrorIs(t, derr.Failed[0], errNoExec)
	assert.Equal(t, 0, d.Active())
}

func TestDispatch_Cancellation(t *testing.T) {
	tracker := &workerTracker{hold: map[string]time.Duration{"1": time.Minute, "2": time.Minute, "3": time.Minute}}
	d, err := NewDispatcher(testOptions(2), tracker.manager())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	res, err := d.Dispatch(ctx, []string{"1", "2", "3"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	for _, task := range res.Tasks {
		assert.Equal(t, TaskFailed, task.State, "run %s", task.Run)
	}
	assert.Equal(t, 0, d.Active())
}

func TestDispatch_InputValidation(t *testing.T) {
	d, err := NewDispatcher(testOptions(1), &procexec.MockProcessManager{})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoRuns)

	var ctx context.Context
	_, err = d.Dispatch(ctx, []string{"1"})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestDispatch_JournalRecordsFinalStates(t *testing.T) {
	j, err := journal.OpenInMemory()
	require.NoError(t, err)
	defer j.Close()

	tracker := &workerTracker{exit: map[string]int{"3": 2}}
	d, err := NewDispatcher(testOptions(2), tracker.manager(), WithJournal(j))
	require.NoError(t, err)

	res, err := d.Dispatch(context.Background(), []string{"5", "3", "9"})
	require.Error(t, err)

	ctx := context.Background()
	entries, err := j.Entries(ctx, res.Session)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "5", entries[0].Run)
	assert.Equal(t, "succeeded", entries[0].State)
	assert.Equal(t, "3", entries[1].Run)
	assert.Equal(t, "failed", entries[1].State)
	assert.Equal(t, 2, entries[1].ExitCode)
	assert.Equal(t, "9", entries[2].Run)
	assert.Equal(t, "succeeded", entries[2].State)

	session, err := j.Session(ctx, res.Session)
	require.NoError(t, err)
	assert.Equal(t, "failed", session.Status)
	assert.Equal(t, []string{"5", "3", "9"}, session.Runs)
}
