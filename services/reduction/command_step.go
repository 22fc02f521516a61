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
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianReduce/pkg/procexec"
)

// CommandStep runs an external program once per data file.
//
// The program is invoked as
//
//	<Command> <Args...> <input> <workspace path>
//
// where the workspace path is the workspace name under the reducer's output
// directory. Whatever the program prints to stdout becomes the step message.
type CommandStep struct {
	BaseStep
	Command string
	Args    []string

	pm procexec.ProcessManager
}

// NewCommandStep creates a CommandStep. A nil pm uses real processes.
func NewCommandStep(name, command string, args []string, pm procexec.ProcessManager) (*CommandStep, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%w: command step needs a name and a command", ErrNilStep)
	}
	if pm == nil {
		pm = procexec.NewDefaultProcessManager()
	}
	return &CommandStep{
		BaseStep: BaseStep{StepName: name},
		Command:  command,
		Args:     append([]string(nil), args...),
		pm:       pm,
	}, nil
}

// Execute runs the command.
func (s *CommandStep) Execute(ctx context.Context, r *Reducer, input string, output Workspace) (string, error) {
	dir := r.OutputPath()
	if dir == "" {
		dir = "."
	}
	args := append(append([]string(nil), s.Args...), input, filepath.Join(dir, string(output)))

	out, err := s.pm.Run(ctx, s.Command, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.Command, err)
	}
	return strings.TrimSpace(string(out)), nil
}
