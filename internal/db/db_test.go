package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceLayout(t *testing.T) {
	if got := Path("/tmp/ws"); got != filepath.Join("/tmp/ws", ".steward", "steward.db") {
		t.Fatalf("db path %s", got)
	}
	if got := StateDir(""); got != filepath.Join(".", ".steward") {
		t.Fatalf("state dir %s", got)
	}
}

func TestOpenCreatesStateDir(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(ws)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if _, err := os.Stat(StateDir(ws)); err != nil {
		t.Fatalf("state dir not created: %v", err)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
