// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package procexec abstracts external process execution.

Reduction workers and indexing tools are separate programs. Every spawn in
this repository goes through ProcessManager so the dispatcher and merge
phase can be tested without launching real processes.
*/
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Command describes one external program invocation.
type Command struct {
	// Name is the executable name or path.
	Name string

	// Args are passed to the program verbatim (no shell interpretation).
	Args []string

	// Dir is the working directory. Empty means the caller's.
	Dir string

	// Stdout and Stderr receive the program's output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Process is a started external program.
type Process interface {
	// PID returns the operating system process id.
	PID() int

	// Wait blocks until the process exits.
	//
	// # Outputs
	//
	//   - int: the exit code; -1 when the process was killed by a signal
	//   - error: non-nil only when waiting itself failed. A non-zero exit
	//     code is reported through the int, not the error.
	Wait() (int, error)
}

// ProcessManager handles external process operations.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// Cancelling ctx kills processes started through Start or Run.
type ProcessManager interface {
	// Run executes a command synchronously and returns its stdout.
	//
	// # Outputs
	//
	//   - []byte: stdout of the command
	//   - error: non-nil when the command cannot start, exits non-zero,
	//     or ctx is cancelled; stderr is appended to the message
	//
	// # Examples
	//
	//	out, err := pm.Run(ctx, "python3", "index_peaks.py", "find-ub", path)
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Start launches a command and returns without waiting for it.
	//
	// # Outputs
	//
	//   - Process: handle for PID and exit status
	//   - error: non-nil if the program could not be started
	Start(ctx context.Context, cmd Command) (Process, error)
}

// DefaultProcessManager implements ProcessManager using os/exec.
type DefaultProcessManager struct{}

// NewDefaultProcessManager creates a ProcessManager that runs real processes.
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{}
}

// Run executes a command synchronously and returns its stdout.
func (pm *DefaultProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// Start launches a command and returns immediately.
func (pm *DefaultProcessManager) Start(ctx context.Context, c Command) (Process, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}
	return &osProcess{cmd: cmd}, nil
}

type osProcess struct {
	cmd *exec.Cmd
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessManager is a test double for ProcessManager.
//
// Configure the mock by setting function fields before use. Calling a method
// whose function field is nil panics.
//
// # Examples
//
//	mock := &MockProcessManager{
//	    StartFunc: func(ctx context.Context, cmd Command) (Process, error) {
//	        return &FakeProcess{Pid: 100}, nil
//	    },
//	}
type MockProcessManager struct {
	RunFunc   func(ctx context.Context, name string, args ...string) ([]byte, error)
	StartFunc func(ctx context.Context, cmd Command) (Process, error)

	// Calls records all method invocations for verification
	Calls []ProcessManagerCall

	mu sync.Mutex
}

// ProcessManagerCall records a single method invocation.
type ProcessManagerCall struct {
	Method string
	Name   string
	Args   []string
}

// Run delegates to RunFunc and records the call.
func (m *MockProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record("Run", name, args)
	if m.RunFunc == nil {
		panic("MockProcessManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// Start delegates to StartFunc and records the call.
func (m *MockProcessManager) Start(ctx context.Context, cmd Command) (Process, error) {
	m.record("Start", cmd.Name, cmd.Args)
	if m.StartFunc == nil {
		panic("MockProcessManager.StartFunc not set")
	}
	return m.StartFunc(ctx, cmd)
}

func (m *MockProcessManager) record(method, name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ProcessManagerCall{Method: method, Name: name, Args: args})
}

// GetCalls returns a copy of all recorded calls.
func (m *MockProcessManager) GetCalls() []ProcessManagerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ProcessManagerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// FakeProcess is a Process whose Wait runs WaitFunc, or returns ExitCode.
type FakeProcess struct {
	Pid      int
	ExitCode int
	WaitFunc func() (int, error)
}

func (p *FakeProcess) PID() int { return p.Pid }

func (p *FakeProcess) Wait() (int, error) {
	if p.WaitFunc != nil {
		return p.WaitFunc()
	}
	return p.ExitCode, nil
}

// Compile-time interface compliance check.
var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
	_ Process        = (*FakeProcess)(nil)
)
