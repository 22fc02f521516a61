// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch reduces many runs in parallel, one worker process per
// run, and merges the per-run results once every worker has finished.
//
// # Phases
//
//	Dispatch: at most MaxProcesses workers at a time, started in run-list order
//	Barrier:  wait for every worker; any failure ends the pipeline here
//	Merge:    combine per-run artifacts in run-list order, then re-index
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
	"github.com/AleutianAI/AleutianReduce/services/dispatch/journal"
)

var (
	tracer = otel.Tracer("reduce.dispatch")
	meter  = otel.Meter("reduce.dispatch")
)

// Journal records session and task state. *journal.Journal implements it.
type Journal interface {
	BeginSession(ctx context.Context, s journal.Session) error
	Record(ctx context.Context, e journal.Entry) error
	FinishSession(ctx context.Context, id, status string) error
}

// Result is the outcome of one Dispatch.
type Result struct {
	Session  string
	Tasks    []*Task
	Peak     int
	Duration time.Duration
}

// Failed returns the tasks that did not succeed, in run-list order.
func (r *Result) Failed() []*Task {
	var failed []*Task
	for _, t := range r.Tasks {
		if t.State != TaskSucceeded {
			failed = append(failed, t)
		}
	}
	return failed
}

// Dispatcher runs one worker process per run with bounded parallelism.
//
// Thread Safety:
//
//	Dispatch may be called from one goroutine at a time. Active and Peak
//	are safe to call concurrently with Dispatch.
type Dispatcher struct {
	opts    Options
	pm      procexec.ProcessManager
	journal Journal
	logger  *slog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	active int
	peak   int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithJournal records every task state change in j.
func WithJournal(j Journal) DispatcherOption {
	return func(d *Dispatcher) { d.journal = j }
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher validates opts and creates a Dispatcher.
func NewDispatcher(opts Options, pm procexec.ProcessManager, options ...DispatcherOption) (*Dispatcher, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if pm == nil {
		pm = procexec.NewDefaultProcessManager()
	}

	limit := rate.Inf
	if opts.SpawnInterval > 0 {
		limit = rate.Every(opts.SpawnInterval)
	}

	d := &Dispatcher{
		opts:    opts,
		pm:      pm,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(limit, 1),
	}
	for _, o := range options {
		o(d)
	}
	return d, nil
}

// Options returns the launch options.
func (d *Dispatcher) Options() Options { return d.opts }

// Active returns the number of workers currently running.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Peak returns the highest number of simultaneously running workers seen
// during the current or most recent Dispatch.
func (d *Dispatcher) Peak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

func (d *Dispatcher) enter() {
	d.mu.Lock()
	d.active++
	if d.active > d.peak {
		d.peak = d.active
	}
	d.mu.Unlock()
	if activeWorkers != nil {
		activeWorkers.Add(context.Background(), 1)
	}
}

func (d *Dispatcher) leave() {
	d.mu.Lock()
	d.active--
	d.mu.Unlock()
	if activeWorkers != nil {
		activeWorkers.Add(context.Background(), -1)
	}
}

// Dispatch runs a worker for every run and waits for all of them.
//
// Description:
//
//	Workers start in run-list order, at most MaxProcesses at a time and no
//	closer together than SpawnInterval. Dispatch returns only after every
//	started worker has exited. Every exit status is checked.
//
// Inputs:
//
//	ctx - Cancelling it kills running workers and skips unstarted ones.
//	runs - Run numbers, in start order.
//
// Outputs:
//
//	*Result - Per-task outcome. Always non-nil when runs is non-empty.
//	error - *DispatchError when any worker failed or was skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, runs []string) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	initMetrics(d.logger)

	d.mu.Lock()
	d.peak = d.active
	d.mu.Unlock()

	session := uuid.NewString()
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch",
		trace.WithAttributes(
			attribute.String("dispatch.session", session),
			attribute.Int("dispatch.runs", len(runs)),
			attribute.Int("dispatch.max_processes", d.opts.MaxProcesses),
		),
	)
	defer span.End()

	tasks := make([]*Task, len(runs))
	for i, run := range runs {
		tasks[i] = newTask(i, run, d.opts.Command(run))
	}
	result := &Result{Session: session, Tasks: tasks}
	start := time.Now()

	d.beginSession(ctx, session, runs)
	d.logger.Info("dispatch started",
		slog.String("session", session),
		slog.Int("runs", len(runs)),
		slog.Int("max_processes", d.opts.MaxProcesses),
	)

	g := new(errgroup.Group)
	g.SetLimit(d.opts.MaxProcesses)

	var interrupted error
	for _, task := range tasks {
		if err := d.limiter.Wait(ctx); err != nil {
			interrupted = err
			break
		}
		started := make(chan struct{})
		g.Go(func() error {
			d.runTask(ctx, session, task, started)
			return nil
		})
		// Wait for the spawn so start order follows run-list order.
		<-started
	}
	_ = g.Wait()

	if interrupted == nil {
		interrupted = ctx.Err()
	}
	for _, task := range tasks {
		if task.State == TaskPending {
			task.finish(-1, fmt.Errorf("not started: %w", interrupted))
			d.record(ctx, session, task)
		}
	}

	result.Duration = time.Since(start)
	result.Peak = d.Peak()

	failed := result.Failed()
	status := "succeeded"
	if len(failed) > 0 {
		status = "failed"
	}
	d.finishSession(ctx, session, status)
	if dispatchDuration != nil {
		dispatchDuration.Record(ctx, result.Duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	}

	if len(failed) == 0 {
		span.SetStatus(codes.Ok, "")
		d.logger.Info("dispatch completed",
			slog.String("session", session),
			slog.Duration("duration", result.Duration),
			slog.Int("peak_workers", result.Peak),
		)
		return result, nil
	}

	derr := &DispatchError{Session: session, Total: len(tasks), Cause: interrupted}
	for _, t := range failed {
		derr.Failed = append(derr.Failed, t.taskError())
	}
	span.RecordError(derr)
	span.SetStatus(codes.Error, derr.Error())
	d.logger.Error("dispatch failed",
		slog.String("session", session),
		slog.Any("failed_runs", derr.FailedRuns()),
		slog.String("error", derr.Error()),
	)
	return result, derr
}

// runTask starts one worker, closes started once the spawn attempt is
// over, then waits for the worker to exit.
func (d *Dispatcher) runTask(ctx context.Context, session string, t *Task, started chan<- struct{}) {
	signalled := false
	signal := func() {
		if !signalled {
			signalled = true
			close(started)
		}
	}
	defer signal()

	if err := ctx.Err(); err != nil {
		t.finish(-1, fmt.Errorf("not started: %w", err))
		d.record(ctx, session, t)
		return
	}

	cmd := t.Command
	console, err := d.openConsole(t.Run)
	if err != nil {
		d.logger.Warn("console file unavailable", slog.String("run", t.Run), slog.String("error", err.Error()))
	}
	if console != nil {
		defer console.Close()
		cmd.Stdout, cmd.Stderr = console, console
	}

	d.enter()
	proc, err := d.pm.Start(ctx, cmd)
	if err != nil {
		d.leave()
		t.finish(-1, err)
		d.record(ctx, session, t)
		recordTask(ctx, t)
		d.logger.Error("worker failed to start", slog.String("run", t.Run), slog.String("error", err.Error()))
		return
	}
	t.markRunning(proc.PID())
	d.record(ctx, session, t)
	d.logger.Info("worker started",
		slog.String("run", t.Run),
		slog.Int("pid", t.PID),
		slog.String("command", cmd.String()),
	)
	signal()

	code, waitErr := proc.Wait()
	d.leave()
	if waitErr == nil && code != 0 && ctx.Err() != nil {
		waitErr = fmt.Errorf("killed: %w", ctx.Err())
	}
	t.finish(code, waitErr)
	d.record(ctx, session, t)
	recordTask(ctx, t)

	level := slog.LevelInfo
	if t.State == TaskFailed {
		level = slog.LevelError
	}
	d.logger.Log(ctx, level, "worker finished",
		slog.String("run", t.Run),
		slog.Int("pid", t.PID),
		slog.Int("exit_code", code),
		slog.Duration("duration", t.Duration()),
	)
}

// openConsole opens the console file of a local worker. srun writes its
// own console file through -o.
func (d *Dispatcher) openConsole(run string) (io.WriteCloser, error) {
	if d.opts.SlurmQueue != "" || d.opts.OutputDir == "" {
		return nil, nil
	}
	f, err := os.OpenFile(d.opts.ConsolePath(run), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *Dispatcher) beginSession(ctx context.Context, session string, runs []string) {
	if d.journal == nil {
		return
	}
	s := journal.Session{
		ID:        session,
		ExpName:   d.opts.ExpName,
		Runs:      runs,
		StartedAt: time.Now(),
		Status:    "running",
	}
	if err := d.journal.BeginSession(ctx, s); err != nil {
		d.logger.Warn("journal write failed", slog.String("session", session), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) finishSession(ctx context.Context, session, status string) {
	if d.journal == nil {
		return
	}
	if err := d.journal.FinishSession(context.WithoutCancel(ctx), session, status); err != nil {
		d.logger.Warn("journal write failed", slog.String("session", session), slog.String("error", err.Error()))
	}
}

// record journals a task state. Final states are written even after
// cancellation.
func (d *Dispatcher) record(ctx context.Context, session string, t *Task) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(context.WithoutCancel(ctx), t.Entry(session)); err != nil {
		d.logger.Warn("journal write failed",
			slog.String("session", session),
			slog.String("run", t.Run),
			slog.String("error", err.Error()),
		)
	}
}

var (
	metricsOnce      sync.Once
	tasksTotal       metric.Int64Counter
	taskDuration     metric.Float64Histogram
	activeWorkers    metric.Int64UpDownCounter
	dispatchDuration metric.Float64Histogram
	mergeDuration    metric.Float64Histogram
)

func initMetrics(logger *slog.Logger) {
	metricsOnce.Do(func() {
		var initErrors []string
		var err error

		tasksTotal, err = meter.Int64Counter("dispatch_tasks_total",
			metric.WithDescription("Worker processes by final state"),
		)
		if err != nil {
			initErrors = append(initErrors, "dispatch_tasks_total: "+err.Error())
		}

		taskDuration, err = meter.Float64Histogram("dispatch_task_duration_seconds",
			metric.WithDescription("Wall time of one worker process"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "dispatch_task_duration_seconds: "+err.Error())
		}

		activeWorkers, err = meter.Int64UpDownCounter("dispatch_active_workers",
			metric.WithDescription("Worker processes currently running"),
		)
		if err != nil {
			initErrors = append(initErrors, "dispatch_active_workers: "+err.Error())
		}

		dispatchDuration, err = meter.Float64Histogram("dispatch_duration_seconds",
			metric.WithDescription("Wall time from first spawn to barrier"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "dispatch_duration_seconds: "+err.Error())
		}

		mergeDuration, err = meter.Float64Histogram("dispatch_merge_duration_seconds",
			metric.WithDescription("Wall time of the merge phase"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "dispatch_merge_duration_seconds: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some dispatch metrics (observability degraded)",
				slog.Any("errors", initErrors),
			)
		}
	})
}

func recordTask(ctx context.Context, t *Task) {
	attrs := metric.WithAttributes(attribute.String("state", string(t.State)))
	if tasksTotal != nil {
		tasksTotal.Add(ctx, 1, attrs)
	}
	if taskDuration != nil && t.Duration() > 0 {
		taskDuration.Record(ctx, t.Duration().Seconds(), attrs)
	}
}
