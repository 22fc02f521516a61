// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RunList is an ordered list of run numbers. Order is significant: it is
// both the worker start order and the merge order.
type RunList []string

// ParseRunList expands a run expression. Comma separates items; "a:b" is
// the inclusive range a..b. "4692:4694,4701" gives 4692 4693 4694 4701.
// Duplicates are dropped, first occurrence wins.
func ParseRunList(expr string) (RunList, error) {
	var runs RunList
	seen := make(map[string]bool)
	add := func(run string) {
		if !seen[run] {
			seen[run] = true
			runs = append(runs, run)
		}
	}

	for _, item := range strings.FieldsFunc(expr, func(r rune) bool { return r == ',' || r == ' ' }) {
		lo, hi, isRange := strings.Cut(item, ":")
		if !isRange {
			if _, err := strconv.Atoi(item); err != nil {
				return nil, fmt.Errorf("invalid run number %q", item)
			}
			add(item)
			continue
		}
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid run range %q", item)
		}
		last, err := strconv.Atoi(hi)
		if err != nil || last < first {
			return nil, fmt.Errorf("invalid run range %q", item)
		}
		for n := first; n <= last; n++ {
			add(strconv.Itoa(n))
		}
	}
	return runs, nil
}

// UnmarshalYAML accepts a run expression string, a single number, or a
// sequence of either.
func (r *RunList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		runs, err := ParseRunList(node.Value)
		if err != nil {
			return err
		}
		*r = runs
		return nil
	case yaml.SequenceNode:
		var parts []string
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: run_nums entries must be scalars", item.Line)
			}
			parts = append(parts, item.Value)
		}
		runs, err := ParseRunList(strings.Join(parts, ","))
		if err != nil {
			return err
		}
		*r = runs
		return nil
	default:
		return fmt.Errorf("line %d: run_nums must be a string or a list", node.Line)
	}
}
