// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianReduce/services/dispatch/journal"
)

// ErrUnreachable is returned when no monitor answers at the address, for
// example because no dispatch is running.
var ErrUnreachable = errors.New("monitor unreachable")

// ErrNoJournal is returned when the monitor runs without a journal.
var ErrNoJournal = errors.New("monitor has no journal")

// Client reads dispatch state from a running monitor.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for addr, either "host:port" or a full URL.
func NewClient(addr string) *Client {
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL:    addr,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Session fetches a session and its task entries. id "latest" selects the
// most recent session.
//
// Outputs:
//
//	SessionResponse - The session and its tasks in run-list order.
//	error - ErrUnreachable when nothing answers, ErrNoJournal on 503,
//	journal.ErrSessionNotFound on 404.
func (c *Client) Session(ctx context.Context, id string) (SessionResponse, error) {
	if id == "" {
		id = "latest"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+url.PathEscape(id), nil)
	if err != nil {
		return SessionResponse{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("%w at %s: %v", ErrUnreachable, c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("read monitor response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var out SessionResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return SessionResponse{}, fmt.Errorf("decode monitor response: %w", err)
		}
		return out, nil
	case http.StatusNotFound:
		return SessionResponse{}, fmt.Errorf("%w: %s", journal.ErrSessionNotFound, id)
	case http.StatusServiceUnavailable:
		return SessionResponse{}, ErrNoJournal
	default:
		var e ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return SessionResponse{}, fmt.Errorf("monitor returned %d (%s): %s", resp.StatusCode, e.Code, e.Error)
		}
		return SessionResponse{}, fmt.Errorf("monitor returned %d", resp.StatusCode)
	}
}
