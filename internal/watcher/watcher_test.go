package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rosterhq/roster/internal/config"
)

func writeConfig(t *testing.T, path, port string) {
	t.Helper()
	content := "host: \"127.0.0.1\"\nport: " + port + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitForReloads(t *testing.T, counter *int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt64(counter) < want {
		if time.Now().After(deadline) {
			t.Fatalf("reloads = %d, want %d", atomic.LoadInt64(counter), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "8317")

	var reloads int64
	var lastPort atomic.Int64
	w, err := NewWatcher(path, func(cfg *config.Config) {
		lastPort.Store(int64(cfg.Port))
		atomic.AddInt64(&reloads, 1)
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	writeConfig(t, path, "9000")
	waitForReloads(t, &reloads, 1)
	if lastPort.Load() != 9000 {
		t.Fatalf("port after reload = %d, want 9000", lastPort.Load())
	}
}

func TestWatcher_IgnoresUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "8317")

	var reloads int64
	w, err := NewWatcher(path, func(*config.Config) {
		atomic.AddInt64(&reloads, 1)
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Rewrite identical content; the hash check must swallow it.
	writeConfig(t, path, "8317")
	time.Sleep(500 * time.Millisecond)
	if got := atomic.LoadInt64(&reloads); got != 0 {
		t.Fatalf("reloads = %d, want 0 for unchanged content", got)
	}
}

func TestWatcher_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeConfig(t, path, "8317")

	var reloads int64
	w, err := NewWatcher(path, func(*config.Config) {
		atomic.AddInt64(&reloads, 1)
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() { _ = w.Stop() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err = w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tmp := filepath.Join(dir, "config.yaml.tmp")
	writeConfig(t, tmp, "9100")
	if err = os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitForReloads(t, &reloads, 1)
}
