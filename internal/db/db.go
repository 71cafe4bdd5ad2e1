// Package db owns the workspace layout and the SQLite connection.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Everything steward persists lives under <workspace>/.steward.
const (
	stateDirName = ".steward"
	dbFileName   = "steward.db"
)

// StateDir returns the workspace state directory.
func StateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDirName)
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(StateDir(workspace), dbFileName)
}

// EnsureWorkspace creates the state directory when missing and returns its
// path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := StateDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace %s: %w", workspace, err)
	}
	return dir, nil
}

// Open ensures the workspace exists and opens its database. Foreign keys
// are enforced, and writers wait out short lock contention because the CLI
// and a running server may share one file.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(workspace))
	return sql.Open("sqlite", dsn)
}
