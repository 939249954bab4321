package db

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestDSNPragmas(t *testing.T) {
	mem := dsn(":memory:")
	if !strings.HasPrefix(mem, ":memory:?") || strings.Contains(mem, "journal_mode") {
		t.Fatalf("memory dsn = %q", mem)
	}
	disk := dsn("data/bot.db")
	for _, want := range []string{"file:data/bot.db?", "busy_timeout", "journal_mode%28WAL%29"} {
		if !strings.Contains(disk, want) {
			t.Fatalf("dsn %q lacks %q", disk, want)
		}
	}
}

func TestNewOnDiskUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bot.db")
	database, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer database.Close()
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	var mode string
	if err := database.DB.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
	var timeout int
	if err := database.DB.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if timeout != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", timeout)
	}
}

func TestNewRejectsEmptyPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}
