// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileStore appends entries as JSON lines to a file, or to stdout when no
// path is configured.
type FileStore struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileStore opens path for appending. An empty path selects stdout.
func NewFileStore(path string) (*FileStore, error) {
	var f *os.File
	if path != "" {
		var err error
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
	}
	return &FileStore{file: f}, nil
}

// Write appends one entry as a JSON line.
func (s *FileStore) Write(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := os.Stdout
	if s.file != nil {
		w = s.file
	}
	return json.NewEncoder(w).Encode(entry)
}

// Read scans the file back into entries, oldest first. Lines that fail to
// parse are skipped.
func (s *FileStore) Read(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil, fmt.Errorf("read not supported for stdout audit store")
	}

	f, err := os.Open(s.file.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to reopen audit log file: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		if filter.CorrelationID != "" && e.CorrelationID != filter.CorrelationID {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, sc.Err()
}

// Close syncs and closes the file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			s.file.Close()
			return err
		}
		return s.file.Close()
	}
	return nil
}
