// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianReduce/pkg/ux"
	"github.com/AleutianAI/AleutianReduce/services/dispatch/journal"
	"github.com/AleutianAI/AleutianReduce/services/monitor"
	"github.com/AleutianAI/AleutianReduce/services/reduction/config"
)

var taskHeader = []string{"STATE", "RUN", "PID", "EXIT", "DURATION", "ERROR"}

// runStatus prints the worker table of a dispatch session. A running
// dispatch holds the journal open, so the monitor is asked first and the
// journal is read directly only when no monitor answers.
func runStatus(cmd *cobra.Command, args []string) error {
	dir, addr := journalDir, monitorAddr
	if dir == "" || addr == "" {
		cfg, err := loadConfig(nil)
		switch {
		case err == nil:
			if dir == "" {
				dir = cfg.JournalDir
			}
			if addr == "" {
				addr = cfg.MonitorAddr
			}
		case errors.Is(err, config.ErrNoConfig) && (dir != "" || addr != ""):
			// The flags name a source.
		case errors.Is(err, config.ErrNoConfig):
			return errors.New("no journal: pass --journal-dir, --monitor or a config with journal_dir")
		default:
			return err
		}
	}

	resp, source, err := loadSession(cmd.Context(), addr, dir, sessionID)
	if err != nil {
		return err
	}
	slog.Debug("session loaded", slog.String("source", source), slog.String("session", resp.Session.ID))

	mode := ux.DetectMode()
	if machineMode {
		mode = ux.ModeMachine
	}
	renderSession(ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode), resp)
	return nil
}

// loadSession fetches a session from the monitor at addr, falling back to
// the journal in dir when no monitor is listening or it has no journal.
// The returned source is "monitor" or "journal".
func loadSession(ctx context.Context, addr, dir, id string) (monitor.SessionResponse, string, error) {
	var monitorErr error
	if addr != "" {
		resp, err := monitor.NewClient(addr).Session(ctx, id)
		if err == nil {
			return resp, "monitor", nil
		}
		if !errors.Is(err, monitor.ErrUnreachable) && !errors.Is(err, monitor.ErrNoJournal) {
			return monitor.SessionResponse{}, "", err
		}
		monitorErr = err
	}

	if dir == "" {
		if monitorErr != nil {
			return monitor.SessionResponse{}, "", fmt.Errorf("%w; journal_dir is not configured", monitorErr)
		}
		return monitor.SessionResponse{}, "", errors.New("journal_dir is not configured")
	}

	j, err := journal.Open(journal.ReadOnlyConfig(dir))
	if err != nil {
		return monitor.SessionResponse{}, "", fmt.Errorf("%w (a running dispatch holds the journal; query it through monitor_addr)", err)
	}
	defer j.Close()

	resp, err := readSession(ctx, j, id)
	return resp, "journal", err
}

// readSession reads one session; id "latest" or "" picks the newest.
func readSession(ctx context.Context, store monitor.RunStore, id string) (monitor.SessionResponse, error) {
	var (
		session journal.Session
		err     error
	)
	if id == "" || id == "latest" {
		session, err = store.Latest(ctx)
	} else {
		session, err = store.Session(ctx, id)
	}
	if err != nil {
		return monitor.SessionResponse{}, err
	}
	entries, err := store.Entries(ctx, session.ID)
	if err != nil {
		return monitor.SessionResponse{}, err
	}
	return monitor.SessionResponse{Session: session, Tasks: entries}, nil
}

// renderSession prints the session box, the worker table and progress.
func renderSession(p *ux.Printer, resp monitor.SessionResponse) {
	session := resp.Session
	p.Box("Session "+session.ID, fmt.Sprintf("experiment %s\nstarted %s\nstatus %s",
		session.ExpName, session.StartedAt.Format(time.RFC3339), session.Status))

	rows := make([][]string, 0, len(resp.Tasks))
	done := 0
	for _, e := range resp.Tasks {
		rows = append(rows, taskRow(e))
		if e.State == "succeeded" || e.State == "failed" {
			done++
		}
	}
	p.Table(taskHeader, rows)
	p.Info("finished " + p.ProgressBar(done, len(session.Runs), 20))
}

func taskRow(e journal.Entry) []string {
	pid, exit, dur := "-", "-", "-"
	if e.PID > 0 {
		pid = strconv.Itoa(e.PID)
	}
	if !e.EndedAt.IsZero() {
		exit = strconv.Itoa(e.ExitCode)
		if !e.StartedAt.IsZero() {
			dur = e.EndedAt.Sub(e.StartedAt).Round(10 * time.Millisecond).String()
		}
	}
	return []string{e.State, e.Run, pid, exit, dur, e.Error}
}
