package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("FILEVAULT_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfgPath != ConfigPath(dataDir) {
		t.Fatalf("config path %q, want %q", cfgPath, ConfigPath(dataDir))
	}
	if cfg.Host != DefaultHost || cfg.Port != DefaultPort {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ServerName == "" {
		t.Fatal("expected a non-empty default server name")
	}

	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config file was not written: %v", err)
	}
	if _, err := os.Stat(FilesDir(dataDir)); err != nil {
		t.Fatalf("files directory was not created: %v", err)
	}
}

func TestLoadOrCreateRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("FILEVAULT_DATA_DIR", dataDir)

	cfg, cfgPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	cfg.Port = 8443
	cfg.Advertise = false
	if err := Save(cfgPath, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if loaded.Port != 8443 || loaded.Advertise {
		t.Fatalf("persisted settings lost: %+v", loaded)
	}
}

func TestNormalizeDefaultsRepairsBadValues(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("FILEVAULT_DATA_DIR", dataDir)

	cfgPath := ConfigPath(dataDir)
	if err := os.WriteFile(cfgPath, []byte(`{"server_name":"","host":"","port":-5}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.Host != DefaultHost || cfg.Port != DefaultPort || cfg.ServerName == "" {
		t.Fatalf("defaults were not repaired: %+v", cfg)
	}
}

func TestAddress(t *testing.T) {
	cfg := ServerConfig{Host: "0.0.0.0", Port: 9000}
	if got := cfg.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("Address() = %q, want 0.0.0.0:9000", got)
	}
}

func TestReadPortInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, PortInfoFileName)

	// Missing file falls back to the default.
	if got := ReadPortInfo(path); got != DefaultPort {
		t.Fatalf("missing file: got %d, want %d", got, DefaultPort)
	}

	cases := []struct {
		contents string
		want     int
	}{
		{"8080\n", 8080},
		{"  9000  \n", 9000},
		{"8080\n9090\n", 8080},
		{"not a port\n", DefaultPort},
		{"0\n", DefaultPort},
		{"70000\n", DefaultPort},
		{"", DefaultPort},
	}
	for _, tc := range cases {
		if err := os.WriteFile(path, []byte(tc.contents), 0o600); err != nil {
			t.Fatalf("write port.info: %v", err)
		}
		if got := ReadPortInfo(path); got != tc.want {
			t.Fatalf("contents %q: got %d, want %d", tc.contents, got, tc.want)
		}
	}
}
