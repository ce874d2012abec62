// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// rosterTimeFormat is the human-readable refresh timestamp on the roster
// file's first line. Informational only; never parsed for logic.
const rosterTimeFormat = "2006-01-02 15:04:05"

// readRoster loads the roster file. The first line is the refresh timestamp,
// every following non-blank line is one mailbox address. The whole file is
// re-read at the top of every poll cycle; there are no incremental updates.
func readRoster(path string) (refreshedAt string, mailboxes []string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read roster file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 {
		refreshedAt = strings.TrimSpace(lines[0])
		lines = lines[1:]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			mailboxes = append(mailboxes, line)
		}
	}
	return refreshedAt, mailboxes, nil
}

// writeRoster atomically replaces the roster file with a fresh timestamp line
// followed by one mailbox per line. The write-to-temp-then-rename dance keeps
// a concurrently reading poll cycle from ever observing a partial file.
func writeRoster(path string, mailboxes []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create roster directory: %w", err)
	}

	var b strings.Builder
	b.WriteString(time.Now().Format(rosterTimeFormat))
	b.WriteString("\n")
	for _, mailbox := range mailboxes {
		b.WriteString(mailbox)
		b.WriteString("\n")
	}

	tmp, err := os.CreateTemp(dir, ".users-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create roster temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write roster temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync roster temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close roster temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod roster temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace roster file: %w", err)
	}
	return nil
}
