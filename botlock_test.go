package botlock

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewAndFind(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "bot.lock")
	b := New(Options{Name: "mybot", Command: "no-such-bot-a81f"}, lockPath, nil)

	handles, err := b.Find()
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("handles = %v", handles)
	}

	holder, stale, err := b.LockHolder()
	if err != nil {
		t.Fatalf("lock holder: %v", err)
	}
	if holder != nil || stale {
		t.Fatalf("fresh lock path must be free, got holder=%+v stale=%v", holder, stale)
	}
}

func TestStopAllNothingRunning(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "bot.lock")
	b := New(Options{Name: "mybot", Command: "no-such-bot-a81f"}, lockPath, nil)
	n, err := b.StopAll(false, time.Second)
	if err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if n != 0 {
		t.Fatalf("stopped %d, want 0", n)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "botlock.toml")
	body := `
[bot]
command = "python3 bot.py"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bot.Command != "python3 bot.py" {
		t.Fatalf("command = %q", cfg.Bot.Command)
	}
}

func TestNewHistorySinkSQLite(t *testing.T) {
	s, err := NewHistorySink(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	_ = s.Close()
}
