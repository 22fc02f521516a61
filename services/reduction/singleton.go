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
	"sync"
)

// Configurer is the configuration surface shared by Reducer and Singleton.
// Scripts written against it work with either.
type Configurer interface {
	SetInstrument(inst Instrument) error
	SetDataPath(path string) error
	SetOutputPath(path string) error
	AppendStep(step Step) error
	AppendDataFile(name string) error

	Instrument() Instrument
	DataPath() string
	OutputPath() string
	LogText() string
	OutputWorkspaces() []Workspace
	UID() string
	Steps() []Step
}

var (
	_ Configurer = (*Reducer)(nil)
	_ Configurer = (*Singleton)(nil)
)

// Singleton holds exactly one current Reducer and replaces it with a fresh
// instance of the same Kind after every Run.
//
// Thread Safety:
//
//	The slot itself is safe for concurrent use. Running two reductions
//	through the same Singleton at once is not supported: the second Run
//	reduces whatever instance is current when it starts.
type Singleton struct {
	mu      sync.Mutex
	current *Reducer
	opts    []Option
}

// NewSingleton creates an empty slot. opts are applied to every Reducer the
// slot builds itself.
func NewSingleton(opts ...Option) *Singleton {
	return &Singleton{opts: opts}
}

var (
	globalOnce sync.Once
	global     *Singleton
)

// Global returns the process-wide slot.
func Global() *Singleton {
	globalOnce.Do(func() {
		global = NewSingleton()
	})
	return global
}

// Get returns the current Reducer, creating a default one on first use.
func (s *Singleton) Get() *Reducer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked()
}

func (s *Singleton) getLocked() *Reducer {
	if s.current == nil {
		s.current = DefaultKind.New(s.opts...)
	}
	return s.current
}

// Replace installs r as the current Reducer. The previous instance is
// dropped without cleanup.
//
// Outputs:
//
//	error - ErrNotReducer when r is nil or was not built by NewReducer or
//	Kind.New. The current instance is left in place.
func (s *Singleton) Replace(r *Reducer) error {
	if r == nil || r.uid == "" {
		return ErrNotReducer
	}
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
	return nil
}

// Clean installs a fresh Reducer of the given kind, or of DefaultKind when
// kind is nil.
func (s *Singleton) Clean(kind *Kind) {
	k := DefaultKind
	if kind != nil {
		k = *kind
	}
	fresh := k.New(s.opts...)

	s.mu.Lock()
	s.current = fresh
	s.mu.Unlock()
}

// Run reduces the current Reducer and then, whatever the outcome, installs
// a fresh instance of the same Kind.
//
// Outputs:
//
//	string - The reduction log.
//	error - The error from Reduce, unchanged.
func (s *Singleton) Run(ctx context.Context) (string, error) {
	if ctx == nil {
		return "", ErrNilContext
	}
	r := s.Get()
	kind := r.Kind()
	defer s.Clean(&kind)

	return r.Reduce(ctx)
}

func (s *Singleton) SetInstrument(inst Instrument) error { return s.Get().SetInstrument(inst) }
func (s *Singleton) SetDataPath(path string) error       { return s.Get().SetDataPath(path) }
func (s *Singleton) SetOutputPath(path string) error     { return s.Get().SetOutputPath(path) }
func (s *Singleton) AppendStep(step Step) error          { return s.Get().AppendStep(step) }
func (s *Singleton) AppendDataFile(name string) error    { return s.Get().AppendDataFile(name) }

func (s *Singleton) Instrument() Instrument        { return s.Get().Instrument() }
func (s *Singleton) DataPath() string              { return s.Get().DataPath() }
func (s *Singleton) OutputPath() string            { return s.Get().OutputPath() }
func (s *Singleton) LogText() string               { return s.Get().LogText() }
func (s *Singleton) OutputWorkspaces() []Workspace { return s.Get().OutputWorkspaces() }
func (s *Singleton) UID() string                   { return s.Get().UID() }
func (s *Singleton) Steps() []Step                 { return s.Get().Steps() }
