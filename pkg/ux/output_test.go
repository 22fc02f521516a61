// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinter_MachineMode(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, ModeMachine)

	p.Title("ignored")
	p.Success("merged 4 runs")
	p.Info("log saved")
	p.Warning("slow worker")
	p.Error("run 9 failed")
	p.Box("Session", "a\nb")

	want := "OK: merged 4 runs\nlog saved\nSession: a; b\n"
	if out.String() != want {
		t.Errorf("stdout = %q, want %q", out.String(), want)
	}
	if errOut.String() != "WARN: slow worker\nERROR: run 9 failed\n" {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestPrinter_StyledModeContainsText(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, &out, ModeStyled)
	p.Title("Dispatch")
	p.Success("done")
	p.Error("boom")

	for _, s := range []string{"Dispatch", "done", "boom", string(IconSuccess), string(IconError)} {
		if !strings.Contains(out.String(), s) {
			t.Errorf("output missing %q: %q", s, out.String())
		}
	}
}

func TestPrinter_TableMachine(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, nil, ModeMachine)
	p.Table([]string{"STATE", "RUN"}, [][]string{{"succeeded", "5"}, {"failed", "9"}})

	want := "STATE\tRUN\nsucceeded\t5\nfailed\t9\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestPrinter_TableStyled(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, nil, ModeStyled)
	p.Table([]string{"STATE", "RUN"}, [][]string{{"running", "5"}})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[1], string(IconRunning)) || !strings.Contains(lines[1], "running") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestProgressBar(t *testing.T) {
	p := NewPrinter(nil, nil, ModeMachine)
	if got := p.ProgressBar(2, 4, 10); got != "2/4" {
		t.Errorf("machine bar = %q", got)
	}
	styled := NewPrinter(nil, nil, ModeStyled).ProgressBar(2, 4, 10)
	if !strings.Contains(styled, "50%") {
		t.Errorf("styled bar = %q", styled)
	}
}

func TestStateIcon(t *testing.T) {
	cases := map[string]Icon{
		"succeeded": IconSuccess,
		"failed":    IconError,
		"running":   IconRunning,
		"pending":   IconPending,
	}
	for state, want := range cases {
		if got := StateIcon(state); got != want {
			t.Errorf("StateIcon(%q) = %q, want %q", state, got, want)
		}
	}
}

func TestDetectMode_Env(t *testing.T) {
	t.Setenv("REDUCE_OUTPUT", "machine")
	if DetectMode() != ModeMachine {
		t.Error("expected machine mode")
	}
}
