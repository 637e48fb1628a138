package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcherLoadsInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archon.yaml")
	writeConfig(t, path, minimalYAML)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().CacheURL != "localhost:6379" {
		t.Errorf("CacheURL = %q, want localhost:6379", w.Current().CacheURL)
	}
}

func TestWatcherInitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archon.yaml")
	writeConfig(t, path, "nonsense: [unclosed")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("invalid initial config did not error")
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archon.yaml")
	writeConfig(t, path, minimalYAML)

	var (
		mu      sync.Mutex
		changed bool
	)
	w, err := NewWatcher(path, func(old, new *Config) {
		mu.Lock()
		defer mu.Unlock()
		changed = true
		if old.CacheURL != "localhost:6379" || new.CacheURL != "otherhost:6379" {
			t.Errorf("onChange got %q -> %q", old.CacheURL, new.CacheURL)
		}
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Backdate the mtime marker so the rewrite is always detected even on
	// coarse filesystem timestamp resolution.
	time.Sleep(20 * time.Millisecond)
	writeConfig(t, path, `
cache_url: "otherhost:6379"
record_store_url: "postgres://localhost/archon"
`)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		done := changed
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("change was not detected before timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if w.Current().CacheURL != "otherhost:6379" {
		t.Errorf("Current().CacheURL = %q, want otherhost:6379", w.Current().CacheURL)
	}
}

func TestWatcherKeepsOldConfigOnInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archon.yaml")
	writeConfig(t, path, minimalYAML)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "broken: [yaml")
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if w.Current().CacheURL != "localhost:6379" {
		t.Errorf("invalid rewrite replaced the config: CacheURL = %q", w.Current().CacheURL)
	}
}
