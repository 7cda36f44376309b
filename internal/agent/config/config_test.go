package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("api_key: secret\nserver_ip: 203.0.113.7\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":1212" || cfg.MTU != 1420 || cfg.LogLevel != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Interfaces) != 1 || cfg.Interfaces[0].Port != 51820 {
		t.Fatalf("expected default wg0 interface, got %+v", cfg.Interfaces)
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: \":9000\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error without api_key")
	}
}

func TestValidateRejectsDuplicateInterfaces(t *testing.T) {
	cfg := &Config{APIKey: "k", Interfaces: []InterfaceConfig{
		{WG: 0, AddressRange: "10.0.0.1/24", Port: 51820},
		{WG: 0, AddressRange: "10.0.1.1/24", Port: 51821},
	}}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate interface error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	cfg := &Config{APIKey: "k", ServerIP: "198.51.100.1"}
	cfg.ApplyDefaults()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ServerIP != cfg.ServerIP || loaded.APIKey != "k" {
		t.Fatalf("unexpected config %+v", loaded)
	}
}
