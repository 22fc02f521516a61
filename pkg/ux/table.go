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
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// StateIcon maps a worker state name to an icon.
func StateIcon(state string) Icon {
	switch state {
	case "succeeded":
		return IconSuccess
	case "failed":
		return IconError
	case "running":
		return IconRunning
	default:
		return IconPending
	}
}

// Table prints rows under a header. The first column of each row is a
// state name and is rendered as an icon in styled mode.
func (p *Printer) Table(header []string, rows [][]string) {
	if p.mode == ModeMachine {
		fmt.Fprintln(p.out, strings.Join(header, "\t"))
		for _, row := range rows {
			fmt.Fprintln(p.out, strings.Join(row, "\t"))
		}
		return
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	cells := make([]string, len(header))
	for i, h := range header {
		cells[i] = Styles.Header.Render(pad(h, widths[i]))
	}
	fmt.Fprintln(p.out, strings.Join(cells, "  "))

	for _, row := range rows {
		cells = cells[:0]
		for i, v := range row {
			w := 0
			if i < len(widths) {
				w = widths[i]
			}
			if i == 0 {
				cells = append(cells, StateIcon(v).Render()+" "+pad(v, w))
				continue
			}
			cells = append(cells, pad(v, w))
		}
		fmt.Fprintln(p.out, strings.Join(cells, "  "))
	}
}

func pad(s string, width int) string {
	if n := width - lipgloss.Width(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}
