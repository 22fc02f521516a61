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
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
	"github.com/AleutianAI/AleutianReduce/services/dispatch/journal"
	"github.com/AleutianAI/AleutianReduce/services/reduction/config"
)

// TaskState is the lifecycle position of a worker.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// SlurmJobName is the job name given to every srun-wrapped worker.
const SlurmJobName = "ReduceSCD_Parallel.py"

// SlurmCPUsPerTask is the CPU reservation of every srun-wrapped worker.
const SlurmCPUsPerTask = 3

// Options configures how workers are launched.
type Options struct {
	ExpName    string
	ConfigPath string
	OutputDir  string

	// Python and Script form the per-run command: <Python> <Script> <ConfigPath> <run>.
	Python string
	Script string

	// SlurmQueue wraps each command in srun when non-empty.
	SlurmQueue string

	// MaxProcesses bounds the number of concurrently running workers.
	MaxProcesses int

	// SpawnInterval is the minimum gap between two worker starts. 0 disables pacing.
	SpawnInterval time.Duration
}

// OptionsFromConfig builds launch options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ExpName:       cfg.ExpName,
		ConfigPath:    cfg.Path(),
		OutputDir:     cfg.OutputDirectory,
		Python:        cfg.Python,
		Script:        cfg.ReduceScript,
		SlurmQueue:    cfg.SlurmQueueName,
		MaxProcesses:  cfg.MaxProcesses,
		SpawnInterval: cfg.SpawnInterval,
	}
}

func (o Options) validate() error {
	switch {
	case o.MaxProcesses < 1:
		return fmt.Errorf("max processes must be at least 1, got %d", o.MaxProcesses)
	case o.Python == "":
		return errors.New("python interpreter must not be empty")
	case o.Script == "":
		return errors.New("reduce script must not be empty")
	}
	return nil
}

// ConsolePath is where a worker's console output goes.
func (o Options) ConsolePath(run string) string {
	return filepath.Join(o.OutputDir, fmt.Sprintf("%s_%s_console.txt", o.ExpName, run))
}

// Command builds the worker command for one run.
func (o Options) Command(run string) procexec.Command {
	args := []string{o.Script, o.ConfigPath, run}
	if o.SlurmQueue == "" {
		return procexec.Command{Name: o.Python, Args: args}
	}
	return procexec.Command{
		Name: "srun",
		Args: append([]string{
			"-p", o.SlurmQueue,
			fmt.Sprintf("--cpus-per-task=%d", SlurmCPUsPerTask),
			"-J", SlurmJobName,
			"-o", o.ConsolePath(run),
			o.Python,
		}, args...),
	}
}

// Task is one worker process reducing one run.
type Task struct {
	Seq     int
	Run     string
	Command procexec.Command

	State     TaskState
	PID       int
	ExitCode  int
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

func newTask(seq int, run string, cmd procexec.Command) *Task {
	return &Task{Seq: seq, Run: run, Command: cmd, State: TaskPending}
}

func (t *Task) markRunning(pid int) {
	t.State = TaskRunning
	t.PID = pid
	t.StartedAt = time.Now()
}

// finish records the outcome. Only exit code 0 with no error succeeds.
func (t *Task) finish(code int, err error) {
	t.EndedAt = time.Now()
	t.ExitCode = code
	t.Err = err
	if code == 0 && err == nil {
		t.State = TaskSucceeded
	} else {
		t.State = TaskFailed
	}
}

// Duration is the wall time between start and end, or 0 if not finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

func (t *Task) taskError() *TaskError {
	return &TaskError{Run: t.Run, ExitCode: t.ExitCode, Err: t.Err}
}

// Entry is the journal form of the task.
func (t *Task) Entry(session string) journal.Entry {
	e := journal.Entry{
		Session:   session,
		Seq:       t.Seq,
		Run:       t.Run,
		State:     string(t.State),
		PID:       t.PID,
		ExitCode:  t.ExitCode,
		Command:   t.Command.String(),
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
	}
	if t.Err != nil {
		e.Error = t.Err.Error()
	}
	return e
}
