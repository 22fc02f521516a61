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
	"context"
	"fmt"
)

// Workspace is an opaque handle to framework-managed data.
type Workspace string

// Step is one unit of processing in a reduction, such as background
// subtraction or monitor normalisation.
//
// Steps run in the order they were appended to the Reducer, once per data
// file. A step may cache state internally but must not rely on state
// surviving between reductions.
type Step interface {
	// Name identifies the step in logs and errors.
	Name() string

	// Execute processes input into output.
	//
	// Inputs:
	//
	//	ctx - Cancelled when the reduction is abandoned.
	//	r - The reducer running the step (instrument, paths, UID).
	//	input - The data file being reduced.
	//	output - Workspace the step writes into.
	//
	// Outputs:
	//
	//	string - Optional message appended to the reduction log.
	//	error - Non-nil stops the reduction.
	Execute(ctx context.Context, r *Reducer, input string, output Workspace) (string, error)
}

// BaseStep provides the Name part of Step. Embed it and implement Execute.
//
// Example:
//
//	type MonitorNormalise struct {
//	    reduction.BaseStep
//	}
//
//	func (s *MonitorNormalise) Execute(ctx context.Context, r *reduction.Reducer,
//	    input string, output reduction.Workspace) (string, error) {
//	    // ...
//	}
type BaseStep struct {
	StepName string
}

// Name returns the step name.
func (s *BaseStep) Name() string {
	return s.StepName
}

// Execute returns an error if called directly.
func (s *BaseStep) Execute(context.Context, *Reducer, string, Workspace) (string, error) {
	return "", fmt.Errorf("%w: BaseStep.Execute must be overridden", ErrNilStep)
}

// FuncStep wraps a function as a Step.
type FuncStep struct {
	BaseStep
	fn func(ctx context.Context, r *Reducer, input string, output Workspace) (string, error)
}

// NewFuncStep creates a step from a function.
//
// Inputs:
//
//	name - The step name.
//	fn - The function to execute. A nil fn makes Execute fail.
//
// Outputs:
//
//	*FuncStep - The function step.
func NewFuncStep(
	name string,
	fn func(ctx context.Context, r *Reducer, input string, output Workspace) (string, error),
) *FuncStep {
	return &FuncStep{BaseStep: BaseStep{StepName: name}, fn: fn}
}

// Execute runs the wrapped function.
func (s *FuncStep) Execute(ctx context.Context, r *Reducer, input string, output Workspace) (string, error) {
	if s.fn == nil {
		return "", fmt.Errorf("%w: %s has no function", ErrNilStep, s.StepName)
	}
	return s.fn(ctx, r, input, output)
}
