// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records the state of every dispatched worker in an
// embedded BadgerDB so a later `reduce status` can report what happened.
//
// Layout:
//
//	session/<session id>          -> Session (JSON)
//	task/<session id>/<seq:6>     -> Entry (JSON), one key per run, last write wins
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal is closed")

// Session describes one dispatch invocation.
type Session struct {
	ID         string    `json:"id"`
	ExpName    string    `json:"exp_name"`
	Runs       []string  `json:"runs"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Status     string    `json:"status"`
}

// Entry is the latest known state of one worker.
type Entry struct {
	Session   string    `json:"session"`
	Seq       int       `json:"seq"`
	Run       string    `json:"run"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Command   string    `json:"command,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Journal is a BadgerDB-backed store of sessions and task entries.
//
// Thread Safety: safe for concurrent use.
type Journal struct {
	db       *badger.DB
	gc       *gcRunner
	inMemory bool
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a journal.
func Open(cfg Config) (*Journal, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	j := &Journal{db: db, inMemory: cfg.InMemory, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory && !cfg.ReadOnly {
		j.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, logger)
	}
	return j, nil
}

// OpenInMemory opens a journal that lives only as long as the process.
func OpenInMemory() (*Journal, error) {
	return Open(InMemoryConfig())
}

func sessionKey(id string) []byte {
	return []byte("session/" + id)
}

func taskPrefix(session string) []byte {
	return []byte("task/" + session + "/")
}

func taskKey(session string, seq int) []byte {
	return []byte(fmt.Sprintf("task/%s/%06d", session, seq))
}

// BeginSession stores a new session.
func (j *Journal) BeginSession(ctx context.Context, s Session) error {
	if s.ID == "" {
		return errors.New("session id must not be empty")
	}
	return j.put(ctx, sessionKey(s.ID), s)
}

// FinishSession stamps a session with its final status.
func (j *Journal) FinishSession(ctx context.Context, id, status string) error {
	return j.updateSession(ctx, id, func(s *Session) {
		s.Status = status
		s.FinishedAt = time.Now()
	})
}

// maxConflictRetries bounds how often a read-modify-write is retried after
// badger reports a conflicting concurrent commit.
const maxConflictRetries = 5

// updateSession reads, modifies and writes a session in one transaction.
func (j *Journal) updateSession(ctx context.Context, id string, fn func(*Session)) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	key := sessionKey(id)
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = withTxn(ctx, j.db, func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			}
			if err != nil {
				return err
			}
			var s Session
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return err
			}
			fn(&s)
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("encode %s: %w", key, err)
			}
			return txn.Set(key, data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Record writes the current state of a task, replacing any earlier state.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Session == "" {
		return errors.New("entry session must not be empty")
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	return j.put(ctx, taskKey(e.Session, e.Seq), e)
}

func (j *Journal) put(ctx context.Context, key []byte, v any) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return withTxn(ctx, j.db, func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Session returns one session.
func (j *Journal) Session(ctx context.Context, id string) (Session, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return Session{}, ErrClosed
	}

	var s Session
	err := withReadTxn(ctx, j.db, func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	return s, err
}

// Sessions returns all sessions, newest first.
func (j *Journal) Sessions(ctx context.Context) ([]Session, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	var sessions []Session
	prefix := []byte("session/")
	err := withReadTxn(ctx, j.db, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			sessions = append(sessions, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(a, b int) bool {
		return sessions[a].StartedAt.After(sessions[b].StartedAt)
	})
	return sessions, nil
}

// Latest returns the most recently started session.
func (j *Journal) Latest(ctx context.Context) (Session, error) {
	sessions, err := j.Sessions(ctx)
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, ErrSessionNotFound
	}
	return sessions[0], nil
}

// Entries returns the task entries of a session in run-list order.
func (j *Journal) Entries(ctx context.Context, session string) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	var entries []Entry
	prefix := taskPrefix(session)
	err := withReadTxn(ctx, j.db, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Close stops GC and closes the database. Safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	if j.gc != nil {
		j.gc.stop()
	}
	if !j.inMemory {
		if err := j.db.Sync(); err != nil {
			j.logger.Warn("journal sync failed", slog.String("error", err.Error()))
		}
	}
	return j.db.Close()
}
