package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcherFiresOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("proxyChannelAddress: \"127.0.0.1:9090\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	fired := false
	w, err := NewWatcher(configPath, "", WatchTargets{
		OnConfigChange: func() {
			mu.Lock()
			fired = true
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(configPath, []byte("proxyChannelAddress: \"0.0.0.0:7000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := fired
		mu.Unlock()
		if got {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected OnConfigChange to fire after rewriting the config file")
}

func TestWatcherFiresOnRulesChangeInDataRoot(t *testing.T) {
	configDir := t.TempDir()
	dataRoot := t.TempDir()
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("proxyChannelAddress: \"127.0.0.1:9090\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	fired := false
	w, err := NewWatcher(configPath, dataRoot, WatchTargets{
		OnRulesChange: func() {
			mu.Lock()
			fired = true
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dataRoot, "rules.json"), []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := fired
		mu.Unlock()
		if got {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected OnRulesChange to fire after writing rules.json")
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	os.WriteFile(configPath, []byte("proxyChannelAddress: \"127.0.0.1:9090\"\n"), 0o644)

	w, err := NewWatcher(configPath, "", WatchTargets{})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}
