// Package config loads and persists the server's bootstrap settings: the
// listening endpoint, the data directory layout, and the mDNS advertisement
// toggle. It produces inputs to the protocol engine and holds no protocol
// state of its own.
package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "filevault"
	// DefaultHost is the interface the server binds when none is configured.
	DefaultHost = "127.0.0.1"
	// DefaultPort is the listening port used when no override exists.
	DefaultPort = 1234
	// PortInfoFileName is the legacy single-line port override file. When it
	// exists in the working directory its first line wins over the
	// configured port.
	PortInfoFileName = "port.info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ServerConfig contains persistent server settings.
type ServerConfig struct {
	ServerName string `json:"server_name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Advertise  bool   `json:"advertise"`
}

// Address returns the host:port the server should bind.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FILEVAULT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("FILEVAULT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// FilesDir returns the directory decrypted uploads are stored under.
func FilesDir(dataDir string) string {
	return filepath.Join(dataDir, "files")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		FilesDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ServerConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both the
// config and its path.
func LoadOrCreate() (*ServerConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// ReadPortInfo parses the legacy port.info override: only the first line is
// read, and on any failure the default port is returned.
func ReadPortInfo(path string) int {
	file, err := os.Open(path)
	if err != nil {
		return DefaultPort
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return DefaultPort
	}

	port, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || port <= 0 || port > 65535 {
		return DefaultPort
	}
	return port
}

func defaultConfig() *ServerConfig {
	serverName := "File Transfer Server"
	if host, err := os.Hostname(); err == nil && host != "" {
		serverName = host
	}

	return &ServerConfig{
		ServerName: serverName,
		Host:       DefaultHost,
		Port:       DefaultPort,
		Advertise:  true,
	}
}

func normalizeDefaults(cfg *ServerConfig) bool {
	updated := false

	if cfg.ServerName == "" {
		cfg.ServerName = defaultConfig().ServerName
		updated = true
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
		updated = true
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
		updated = true
	}

	return updated
}
