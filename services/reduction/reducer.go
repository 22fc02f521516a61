// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reduction runs an ordered pipeline of reduction steps over a set
// of data files for one instrument.
//
// A Reducer is configured (instrument, paths, steps, data files), reduced
// once, and then discarded. Singleton keeps exactly one Reducer current and
// replaces it with a fresh one after every run, so configuration from one
// reduction never leaks into the next.
//
// # Pipeline
//
//	PreProcess -> for each data file: for each step: Execute -> PostProcess
//
// The log of every reduction is returned to the caller and appended to
// "<instrument>_reduction.log" in the output directory.
package reduction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("reduce.reduction")
	meter  = otel.Meter("reduce.reduction")
)

// Hooks are the customisation points of a Reducer flavour.
type Hooks interface {
	// PreProcess runs before any step. An error aborts the reduction.
	PreProcess(ctx context.Context, r *Reducer) error

	// PostProcess runs after all steps. An error aborts the reduction.
	PostProcess(ctx context.Context, r *Reducer) error
}

// StepRunner may be implemented by Hooks to replace the default per-file
// step phase.
type StepRunner interface {
	RunSteps(ctx context.Context, r *Reducer) error
}

// NopHooks does nothing before and after the steps.
type NopHooks struct{}

func (NopHooks) PreProcess(context.Context, *Reducer) error  { return nil }
func (NopHooks) PostProcess(context.Context, *Reducer) error { return nil }

// Kind is a Reducer flavour: a name plus the hooks each new instance gets.
// Singleton uses the Kind of the reducer it just ran to build the next one.
type Kind struct {
	Name string

	// NewHooks builds hooks for a new instance. Nil means NopHooks.
	NewHooks func() Hooks
}

// DefaultKind is the plain Reducer with no-op hooks.
var DefaultKind = Kind{Name: "Reducer"}

// New builds a fresh Reducer of this kind.
func (k Kind) New(opts ...Option) *Reducer {
	var hooks Hooks = NopHooks{}
	if k.NewHooks != nil {
		if h := k.NewHooks(); h != nil {
			hooks = h
		}
	}
	if k.Name == "" {
		k.Name = DefaultKind.Name
	}

	r := &Reducer{
		kind:        k,
		hooks:       hooks,
		uid:         newUID(),
		searchPaths: DefaultSearchPaths(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Option configures a Reducer at construction.
type Option func(*Reducer)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reducer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSearchPaths sets where the data path is registered. Nil keeps the
// process-wide DefaultSearchPaths.
func WithSearchPaths(sp *SearchPaths) Option {
	return func(r *Reducer) {
		if sp != nil {
			r.searchPaths = sp
		}
	}
}

// Reducer drives an ordered list of steps over a list of data files.
//
// Thread Safety:
//
//	Reducer is NOT safe for concurrent use. Configure and reduce it from a
//	single goroutine.
type Reducer struct {
	kind  Kind
	hooks Hooks
	uid   string

	instrument Instrument
	dataPath   string
	outputPath string
	steps      []Step
	dataFiles  []string

	logText          string
	outputWorkspaces []Workspace

	searchPaths *SearchPaths
	logger      *slog.Logger
}

// NewReducer creates a Reducer of DefaultKind.
func NewReducer(opts ...Option) *Reducer {
	return DefaultKind.New(opts...)
}

func newUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Kind returns the flavour this reducer was built from.
func (r *Reducer) Kind() Kind { return r.kind }

// UID returns the random token that disambiguates this reducer's
// temporary workspaces from those of other reducers in the process.
func (r *Reducer) UID() string { return r.uid }

// Instrument returns the configured instrument, or nil.
func (r *Reducer) Instrument() Instrument { return r.instrument }

// DataPath returns the normalised data directory, or "".
func (r *Reducer) DataPath() string { return r.dataPath }

// OutputPath returns the normalised output directory, or "".
func (r *Reducer) OutputPath() string { return r.outputPath }

// LogText returns the log accumulated by the last Reduce.
func (r *Reducer) LogText() string { return r.logText }

// OutputWorkspaces returns the workspaces produced by the last Reduce, in
// data-file order.
func (r *Reducer) OutputWorkspaces() []Workspace {
	out := make([]Workspace, len(r.outputWorkspaces))
	copy(out, r.outputWorkspaces)
	return out
}

// Steps returns the configured steps in execution order.
func (r *Reducer) Steps() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// DataFiles returns the configured data files in reduction order.
func (r *Reducer) DataFiles() []string {
	out := make([]string, len(r.dataFiles))
	copy(out, r.dataFiles)
	return out
}

// SetInstrument sets the instrument description.
//
// Outputs:
//
//	error - ErrInvalidInstrument when inst is nil, including a typed nil
//	pointer. Nothing changes on error.
func (r *Reducer) SetInstrument(inst Instrument) error {
	if isNil(inst) {
		return fmt.Errorf("%w: expected an Instrument, got %T", ErrInvalidInstrument, inst)
	}
	r.instrument = inst
	return nil
}

func isNil(inst Instrument) bool {
	if inst == nil {
		return true
	}
	v := reflect.ValueOf(inst)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// SetDataPath sets the directory holding the raw data and registers it as
// a data search location.
//
// Outputs:
//
//	error - ErrNotDirectory unless path is an existing directory. Nothing
//	changes on error.
func (r *Reducer) SetDataPath(path string) error {
	dir, err := normaliseDir(path)
	if err != nil {
		return fmt.Errorf("set data path: %w", err)
	}
	r.dataPath = dir
	r.searchPaths.Add(dir)
	return nil
}

// SetOutputPath sets the directory that receives outputs and the log file.
//
// Outputs:
//
//	error - ErrNotDirectory unless path is an existing directory. Nothing
//	changes on error.
func (r *Reducer) SetOutputPath(path string) error {
	dir, err := normaliseDir(path)
	if err != nil {
		return fmt.Errorf("set output path: %w", err)
	}
	r.outputPath = dir
	return nil
}

func normaliseDir(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotDirectory)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w (%s)", ErrNotDirectory, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// AppendStep adds a step after the existing ones.
func (r *Reducer) AppendStep(step Step) error {
	if step == nil {
		return ErrNilStep
	}
	r.steps = append(r.steps, step)
	return nil
}

// AppendDataFile adds a data file to reduce. Bare names are resolved
// against the search paths when the reduction runs.
func (r *Reducer) AppendDataFile(name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyDataFile
	}
	r.dataFiles = append(r.dataFiles, name)
	return nil
}

// LogPath returns the per-instrument log file location: the output
// directory, else the data directory, else the working directory.
func (r *Reducer) LogPath() string {
	dir := r.outputPath
	if dir == "" {
		dir = r.dataPath
	}
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, LogFileName(r.instrumentName()))
}

func (r *Reducer) instrumentName() string {
	if r.instrument == nil {
		return ""
	}
	return r.instrument.Name()
}

// Reduce runs the pipeline and returns the reduction log.
//
// Description:
//
//	Clears previous outputs, runs PreProcess, the step phase and
//	PostProcess, then appends the log to LogPath(). A reducer without an
//	instrument still reduces; its log names an empty instrument.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//
// Outputs:
//
//	string - The full log text.
//	error - Errors from hooks are returned unchanged; step failures are
//	*StepError. The log file is only written on success.
func (r *Reducer) Reduce(ctx context.Context) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	initMetrics(r.logger)

	r.outputWorkspaces = nil
	name := r.instrumentName()

	ctx, span := tracer.Start(ctx, "reduction.Reduce",
		trace.WithAttributes(
			attribute.String("reduction.instrument", name),
			attribute.String("reduction.uid", r.uid),
			attribute.String("reduction.kind", r.kind.Name),
			attribute.Int("reduction.steps", len(r.steps)),
			attribute.Int("reduction.files", len(r.dataFiles)),
		),
	)
	defer span.End()

	start := time.Now()
	r.logText = fmt.Sprintf("%s reduction - %s\n", name, start.Format(time.ANSIC))

	r.logger.Info("reduction started",
		slog.String("instrument", name),
		slog.String("uid", r.uid),
		slog.Int("steps", len(r.steps)),
		slog.Int("files", len(r.dataFiles)),
	)

	if err := r.runPhases(ctx); err != nil {
		r.fail(ctx, span, name, start, err)
		return "", err
	}

	elapsed := time.Since(start)
	logPath := r.LogPath()
	r.logText += fmt.Sprintf("Reduction completed in %g sec\n", elapsed.Seconds())
	r.logText += fmt.Sprintf("Log saved to %s", logPath)

	if err := appendLogFile(logPath, r.logText); err != nil {
		r.fail(ctx, span, name, start, err)
		return "", err
	}

	recordReduction(ctx, name, "success", elapsed)
	span.SetStatus(codes.Ok, "")
	r.logger.Info("reduction completed",
		slog.String("instrument", name),
		slog.String("uid", r.uid),
		slog.Duration("duration", elapsed),
		slog.String("log", logPath),
	)
	return r.logText, nil
}

func (r *Reducer) runPhases(ctx context.Context) error {
	if err := r.hooks.PreProcess(ctx, r); err != nil {
		return err
	}
	if runner, ok := r.hooks.(StepRunner); ok {
		if err := runner.RunSteps(ctx, r); err != nil {
			return err
		}
	} else if err := r.RunSteps(ctx); err != nil {
		return err
	}
	return r.hooks.PostProcess(ctx, r)
}

func (r *Reducer) fail(ctx context.Context, span trace.Span, name string, start time.Time, err error) {
	recordReduction(ctx, name, "failure", time.Since(start))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error("reduction failed",
		slog.String("instrument", name),
		slog.String("uid", r.uid),
		slog.String("error", err.Error()),
	)
}

// RunSteps is the default step phase: every step, in order, for every data
// file, in order. Each file produces one output workspace named
// "<file stem>_<UID>". Hooks implementing StepRunner may call it to wrap
// the default behaviour.
func (r *Reducer) RunSteps(ctx context.Context) error {
	if len(r.dataFiles) == 0 {
		if len(r.steps) > 0 {
			r.logText += fmt.Sprintf("No data files: %d step(s) not run\n", len(r.steps))
		}
		return nil
	}

	for _, file := range r.dataFiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		input := r.searchPaths.Resolve(file)
		output := Workspace(fmt.Sprintf("%s_%s", fileStem(file), r.uid))
		r.logText += fmt.Sprintf("%s -> %s\n", file, output)

		for _, step := range r.steps {
			if err := r.runStep(ctx, step, input, output); err != nil {
				return err
			}
		}
		r.outputWorkspaces = append(r.outputWorkspaces, output)
	}
	return nil
}

func (r *Reducer) runStep(ctx context.Context, step Step, input string, output Workspace) error {
	ctx, span := tracer.Start(ctx, "reduction.Step",
		trace.WithAttributes(
			attribute.String("reduction.step", step.Name()),
			attribute.String("reduction.input", input),
		),
	)
	defer span.End()

	start := time.Now()
	msg, err := step.Execute(ctx, r, input, output)
	recordStep(ctx, step.Name(), err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StepError{Step: step.Name(), File: input, Err: err}
	}
	if msg != "" {
		r.logText += "  " + strings.TrimRight(msg, "\n") + "\n"
	}
	r.logger.Debug("step completed",
		slog.String("step", step.Name()),
		slog.String("input", input),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func fileStem(name string) string {
	base := filepath.Base(name)
	for ext := filepath.Ext(base); ext != ""; ext = filepath.Ext(base) {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// Metrics are created once per process and degrade to no-ops if creation
// fails.
var (
	metricsOnce       sync.Once
	reductionsTotal   metric.Int64Counter
	reductionDuration metric.Float64Histogram
	stepDuration      metric.Float64Histogram
	stepFailures      metric.Int64Counter
)

func initMetrics(logger *slog.Logger) {
	metricsOnce.Do(func() {
		var initErrors []string
		var err error

		reductionsTotal, err = meter.Int64Counter("reduction_runs_total",
			metric.WithDescription("Number of reductions by instrument and status"),
		)
		if err != nil {
			initErrors = append(initErrors, "reduction_runs_total: "+err.Error())
		}

		reductionDuration, err = meter.Float64Histogram("reduction_duration_seconds",
			metric.WithDescription("Wall time of a full reduction"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "reduction_duration_seconds: "+err.Error())
		}

		stepDuration, err = meter.Float64Histogram("reduction_step_duration_seconds",
			metric.WithDescription("Wall time of one step on one data file"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "reduction_step_duration_seconds: "+err.Error())
		}

		stepFailures, err = meter.Int64Counter("reduction_step_failures_total",
			metric.WithDescription("Number of failed step executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "reduction_step_failures_total: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some reduction metrics (observability degraded)",
				slog.Any("errors", initErrors),
			)
		}
	})
}

func recordReduction(ctx context.Context, instrument, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("instrument", instrument),
		attribute.String("status", status),
	)
	if reductionsTotal != nil {
		reductionsTotal.Add(ctx, 1, attrs)
	}
	if reductionDuration != nil {
		reductionDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func recordStep(ctx context.Context, step string, err error, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("step", step))
	if stepDuration != nil {
		stepDuration.Record(ctx, d.Seconds(), attrs)
	}
	if err != nil && stepFailures != nil {
		stepFailures.Add(ctx, 1, attrs)
	}
}
