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
	"os"
	"path/filepath"
)

// LogSeparator precedes every entry in a per-instrument log file.
const LogSeparator = "\n-------------------------------------------\n"

// LogFileName returns "<instrument>_reduction.log".
func LogFileName(instrumentName string) string {
	return instrumentName + "_reduction.log"
}

// appendLogFile appends LogSeparator followed by text to path, creating the
// file if needed. Existing content is never truncated.
func appendLogFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open reduction log %s: %w", path, err)
	}
	defer f.Close()

	unlock, err := lockFile(f)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := f.WriteString(LogSeparator + text); err != nil {
		return fmt.Errorf("write reduction log %s: %w", path, err)
	}
	return nil
}
