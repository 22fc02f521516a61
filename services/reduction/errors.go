// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reduction

import (
	"errors"
	"fmt"
)

// Sentinel errors for reduction configuration and execution.
var (
	// ErrNilContext is returned when a nil context is passed to Reduce or Run.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNotReducer is returned by Replace for a nil or uninitialised reducer.
	ErrNotReducer = errors.New("object passed must be of type Reducer")

	// ErrInvalidInstrument is returned when an instrument is missing or unusable.
	ErrInvalidInstrument = errors.New("invalid instrument")

	// ErrNotDirectory is returned when a data or output path is not an existing directory.
	ErrNotDirectory = errors.New("provided path is not a directory")

	// ErrNilStep is returned when a nil step is appended.
	ErrNilStep = errors.New("reduction step must not be nil")

	// ErrEmptyDataFile is returned when an empty data file name is appended.
	ErrEmptyDataFile = errors.New("data file name must not be empty")
)

// StepError reports a failure inside one reduction step for one data file.
type StepError struct {
	Step string
	File string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed on %s: %v", e.Step, e.File, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
