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
	"os"
	"path/filepath"
	"sync"
)

// SearchPaths is an ordered, de-duplicated list of directories where data
// files are looked up by bare name. Reducers register their data path here.
//
// Thread Safety: safe for concurrent use.
type SearchPaths struct {
	mu    sync.RWMutex
	paths []string
}

// NewSearchPaths creates an empty search list.
func NewSearchPaths() *SearchPaths {
	return &SearchPaths{}
}

// Add appends dir unless it is already present. Returns true if added.
func (s *SearchPaths) Add(dir string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.paths {
		if p == dir {
			return false
		}
	}
	s.paths = append(s.paths, dir)
	return true
}

// Paths returns a copy of the registered directories in insertion order.
func (s *SearchPaths) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.paths))
	copy(out, s.paths)
	return out
}

// Resolve returns name unchanged when it is absolute or exists relative to
// the working directory; otherwise the first search directory containing
// it. When nothing matches, name is returned unchanged.
func (s *SearchPaths) Resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	for _, dir := range s.Paths() {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return name
}

var defaultSearchPaths = NewSearchPaths()

// DefaultSearchPaths returns the process-wide search list used by reducers
// that were not given one.
func DefaultSearchPaths() *SearchPaths {
	return defaultSearchPaths
}
