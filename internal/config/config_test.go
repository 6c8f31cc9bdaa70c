package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadNonexistentFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.ProxyChannelAddress != "127.0.0.1:9090" {
		t.Errorf("default proxy channel address: got %q", cfg.ProxyChannelAddress)
	}
	if cfg.UIChannelAddress != "127.0.0.1:9091" {
		t.Errorf("default UI channel address: got %q", cfg.UIChannelAddress)
	}
	if cfg.MaxInboundMessageSize != defaultMaxInboundMessageSize {
		t.Errorf("default max inbound message size: got %d", cfg.MaxInboundMessageSize)
	}
	if !cfg.Persist.Traffic || !cfg.Persist.Rules {
		t.Errorf("expected persistence toggles on by default: %+v", cfg.Persist)
	}
	if len(cfg.Providers) != 2 {
		t.Errorf("expected 2 default providers, got %d", len(cfg.Providers))
	}
}

func TestLoadValidYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
proxyChannelAddress: "0.0.0.0:7000"
dataRoot: "/var/lib/tollbooth"
persist:
  traffic: false
providers:
  anthropic:
    apiKey: "sk-test"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProxyChannelAddress != "0.0.0.0:7000" {
		t.Errorf("proxy channel address: got %q", cfg.ProxyChannelAddress)
	}
	if cfg.DataRoot != "/var/lib/tollbooth" {
		t.Errorf("data root: got %q", cfg.DataRoot)
	}
	if cfg.Persist.Traffic {
		t.Errorf("expected persist.traffic overridden to false")
	}
	// Untouched fields still default.
	if cfg.UIChannelAddress != "127.0.0.1:9091" {
		t.Errorf("UI channel address should still default: got %q", cfg.UIChannelAddress)
	}
	if cfg.Providers["anthropic"].APIKey != "sk-test" {
		t.Errorf("expected provider api key override")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("proxyChannelAddress: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an empty proxyChannelAddress")
	}
}

func TestWriteDefaultThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProxyChannelAddress != "127.0.0.1:9090" {
		t.Errorf("expected round-tripped default, got %q", cfg.ProxyChannelAddress)
	}
}
