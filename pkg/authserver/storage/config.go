// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"
	"path/filepath"

	"github.com/adrg/xdg"
)

// BackendType selects a storage backend implementation.
type BackendType string

// Supported backend types.
const (
	// BackendTypeMemory keeps all state in process memory.
	BackendTypeMemory BackendType = "memory"

	// BackendTypeFile persists state as a JSON snapshot on disk.
	BackendTypeFile BackendType = "file"

	// BackendTypeSQLite persists state in a SQLite database.
	BackendTypeSQLite BackendType = "sqlite"
)

// Config selects and configures a backend. Callers construct a Backend from
// it and never branch on the backend type afterwards.
type Config struct {
	// Type selects the implementation. Defaults to BackendTypeMemory.
	Type BackendType

	// Path is the snapshot file (file backend) or database DSN (sqlite
	// backend). Empty means a default under the XDG data directory.
	Path string
}

// NewBackend constructs the backend described by the config. The caller must
// call Initialize on the result before use and Close when done.
func NewBackend(cfg Config) (Backend, error) {
	switch cfg.Type {
	case BackendTypeMemory, "":
		return NewMemoryBackend(), nil

	case BackendTypeFile:
		path := cfg.Path
		if path == "" {
			var err error
			path, err = xdg.DataFile(filepath.Join("gitlab-mcp", "state.json"))
			if err != nil {
				return nil, fmt.Errorf("failed to resolve default state path: %w", err)
			}
		}
		return NewFileBackend(path)

	case BackendTypeSQLite:
		dsn := cfg.Path
		if dsn == "" {
			var err error
			dsn, err = xdg.DataFile(filepath.Join("gitlab-mcp", "state.db"))
			if err != nil {
				return nil, fmt.Errorf("failed to resolve default database path: %w", err)
			}
		}
		return NewSQLiteBackend(dsn)

	default:
		return nil, fmt.Errorf("unknown storage backend type %q", cfg.Type)
	}
}
