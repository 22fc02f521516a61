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
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Instrument describes the instrument being reduced. Its contents are
// opaque to the pipeline; only the name is used, for logs and the
// per-instrument log file.
type Instrument interface {
	Name() string
}

// GenericInstrument is an Instrument known only by name.
type GenericInstrument struct {
	InstrumentName string
}

// Name returns the instrument name.
func (g GenericInstrument) Name() string {
	return g.InstrumentName
}

var (
	instrumentsMu sync.RWMutex
	instruments   = make(map[string]func() Instrument)
)

// RegisterInstrument makes an instrument constructor available to
// NewInstrument under name (case-insensitive). A later registration for the
// same name replaces the earlier one.
func RegisterInstrument(name string, factory func() Instrument) {
	instrumentsMu.Lock()
	defer instrumentsMu.Unlock()
	instruments[strings.ToUpper(name)] = factory
}

// RegisteredInstruments returns the registered names, sorted.
func RegisteredInstruments() []string {
	instrumentsMu.RLock()
	defer instrumentsMu.RUnlock()
	names := make([]string, 0, len(instruments))
	for name := range instruments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewInstrument builds the instrument registered under name, or a
// GenericInstrument when nothing is registered for it.
//
// # Outputs
//
//   - Instrument: the constructed instrument
//   - error: ErrInvalidInstrument for an empty name or a factory returning nil
func NewInstrument(name string) (Instrument, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty instrument name", ErrInvalidInstrument)
	}

	instrumentsMu.RLock()
	factory, ok := instruments[strings.ToUpper(name)]
	instrumentsMu.RUnlock()

	if !ok {
		return GenericInstrument{InstrumentName: name}, nil
	}
	inst := factory()
	if inst == nil {
		return nil, fmt.Errorf("%w: factory for %s returned nil", ErrInvalidInstrument, name)
	}
	return inst, nil
}
