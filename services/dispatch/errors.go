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
	"strings"
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNoRuns is returned when there is nothing to dispatch or merge.
	ErrNoRuns = errors.New("no runs to process")

	// ErrMissingArtifact is returned when a run produced no output to merge.
	ErrMissingArtifact = errors.New("run artifact missing")
)

// TaskError describes one worker that did not succeed.
type TaskError struct {
	Run      string
	ExitCode int
	Err      error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("run %s: %v", e.Run, e.Err)
	}
	return fmt.Sprintf("run %s: exit code %d", e.Run, e.ExitCode)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// DispatchError reports every failed worker of a dispatch. The merge phase
// is never attempted when Dispatch returns one.
type DispatchError struct {
	Session string
	Total   int
	Failed  []*TaskError

	// Cause is set when the dispatch was interrupted, e.g. by cancellation.
	Cause error
}

func (e *DispatchError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		parts[i] = f.Error()
	}
	msg := fmt.Sprintf("%d of %d runs failed: %s", len(e.Failed), e.Total, strings.Join(parts, "; "))
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	return msg
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// FailedRuns lists the run numbers that failed, in run-list order.
func (e *DispatchError) FailedRuns() []string {
	runs := make([]string, len(e.Failed))
	for i, f := range e.Failed {
		runs[i] = f.Run
	}
	return runs
}
