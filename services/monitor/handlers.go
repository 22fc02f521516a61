// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor serves dispatch progress and metrics over HTTP while a
// reduction is running.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianReduce/services/dispatch/journal"
)

// ServiceVersion is reported by /healthz.
const ServiceVersion = "1.0.0"

// RunStore is the read side of the dispatch journal.
type RunStore interface {
	Sessions(ctx context.Context) ([]journal.Session, error)
	Session(ctx context.Context, id string) (journal.Session, error)
	Latest(ctx context.Context) (journal.Session, error)
	Entries(ctx context.Context, session string) ([]journal.Entry, error)
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Active  int    `json:"active_workers"`
}

// SessionResponse is a session with its task entries.
type SessionResponse struct {
	Session journal.Session `json:"session"`
	Tasks   []journal.Entry `json:"tasks"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handlers serves the monitor endpoints.
type Handlers struct {
	store  RunStore
	active func() int
	logger *slog.Logger
}

// NewHandlers creates handlers. active may be nil when no dispatch runs in
// this process.
func NewHandlers(store RunStore, active func() int, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, active: active, logger: logger}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Version: ServiceVersion}
	if h.active != nil {
		resp.Active = h.active()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(c *gin.Context) {
	if h.store == nil {
		h.unavailable(c)
		return
	}
	sessions, err := h.store.Sessions(c.Request.Context())
	if err != nil {
		h.logger.Error("list sessions failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "JOURNAL_ERROR"})
		return
	}
	if sessions == nil {
		sessions = []journal.Session{}
	}
	c.JSON(http.StatusOK, sessions)
}

// HandleGetRun handles GET /v1/runs/:session. The id "latest" selects the
// most recent session.
func (h *Handlers) HandleGetRun(c *gin.Context) {
	if h.store == nil {
		h.unavailable(c)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("session")

	var (
		session journal.Session
		err     error
	)
	if id == "latest" {
		session, err = h.store.Latest(ctx)
	} else {
		session, err = h.store.Session(ctx, id)
	}
	if errors.Is(err, journal.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "SESSION_NOT_FOUND"})
		return
	}
	if err != nil {
		h.logger.Error("get session failed", "session", id, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "JOURNAL_ERROR"})
		return
	}

	entries, err := h.store.Entries(ctx, session.ID)
	if err != nil {
		h.logger.Error("list entries failed", "session", session.ID, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "JOURNAL_ERROR"})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	c.JSON(http.StatusOK, SessionResponse{Session: session, Tasks: entries})
}

func (h *Handlers) unavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "no journal configured", Code: "NO_JOURNAL"})
}
