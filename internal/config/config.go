// Package config holds the host configuration: the on-disk directory layout
// derived from the executable location, the upstream bot connection settings
// stored in config/config.json, and environment overrides.
//
// Configuration sources, in order of precedence:
//   - Environment variables (YUYU_*)
//   - Optional .env file in the working directory (development convenience)
//   - config/config.json on disk
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// Paths describes the directory layout the host owns, rooted at the
// executable's directory.
//
//	<exe>/app/<plugin_id>/...   installed plugins (source trees)
//	<exe>/tmp/app/<plugin_id>/  per-run working copies (transient)
//	<exe>/data/<plugin_id>/     persistent per-plugin data (never deleted)
//	<exe>/config/               host configuration files
type Paths struct {
	ExeDir    string
	AppDir    string
	TmpAppDir string
	DataDir   string
	ConfigDir string
}

// NewPaths builds the layout rooted at dir.
func NewPaths(dir string) Paths {
	return Paths{
		ExeDir:    dir,
		AppDir:    filepath.Join(dir, "app"),
		TmpAppDir: filepath.Join(dir, "tmp", "app"),
		DataDir:   filepath.Join(dir, "data"),
		ConfigDir: filepath.Join(dir, "config"),
	}
}

// DefaultPaths resolves the layout from the running executable's directory.
func DefaultPaths() Paths {
	exe, err := os.Executable()
	if err != nil {
		return NewPaths(".")
	}
	return NewPaths(filepath.Dir(exe))
}

// EnsureLayout creates the owned directories if they do not exist.
func (p Paths) EnsureLayout() error {
	for _, dir := range []string{p.AppDir, p.TmpAppDir, p.DataDir, p.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// PluginDir returns the installed source tree for a plugin id.
func (p Paths) PluginDir(id string) string { return filepath.Join(p.AppDir, id) }

// PluginTmpDir returns the parent directory of a plugin's per-run workspaces.
func (p Paths) PluginTmpDir(id string) string { return filepath.Join(p.TmpAppDir, id) }

// PluginDataDir returns a plugin's persistent data directory.
func (p Paths) PluginDataDir(id string) string { return filepath.Join(p.DataDir, id) }

// BotConfigPath returns the upstream connection config file.
func (p Paths) BotConfigPath() string { return filepath.Join(p.ConfigDir, "config.json") }

// EnabledSetPath returns the persisted enabled-plugins file.
func (p Paths) EnabledSetPath() string { return filepath.Join(p.ConfigDir, "plugins.json") }

// BotConfig is the upstream bot connection configuration.
type BotConfig struct {
	Host        string `json:"host"`
	APIPort     int    `json:"apiPort"`
	EventPort   int    `json:"eventPort"`
	Token       string `json:"token,omitempty"`
	AutoConnect bool   `json:"auto_connect"`
}

// legacyBotConfig is the older on-disk form that stored full URLs.
// It is accepted on read and rewritten to the current form on save.
type legacyBotConfig struct {
	API         string `json:"api"`
	EventSSE    string `json:"eventSse"`
	Token       string `json:"token"`
	AutoConnect bool   `json:"auto_connect"`
}

// DefaultBotConfig matches the defaults the original host shipped with.
func DefaultBotConfig() BotConfig {
	return BotConfig{Host: "localhost", APIPort: 3010, EventPort: 3011}
}

// APIBaseURL returns the upstream API base, e.g. http://localhost:3010/api.
func (c BotConfig) APIBaseURL() string {
	return fmt.Sprintf("http://%s:%d/api", c.Host, c.APIPort)
}

// EventURL returns the upstream SSE endpoint.
func (c BotConfig) EventURL() string {
	return fmt.Sprintf("http://%s:%d/event", c.Host, c.EventPort)
}

// LoadBotConfig reads the bot connection config from path. A missing or
// unparseable file yields the defaults. The legacy URL-based form is converted.
func LoadBotConfig(path string) BotConfig {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DefaultBotConfig()
	}

	var cfg BotConfig
	if err := json.Unmarshal(raw, &cfg); err == nil && cfg.Host != "" {
		return cfg
	}

	var legacy legacyBotConfig
	if err := json.Unmarshal(raw, &legacy); err == nil && (legacy.API != "" || legacy.EventSSE != "") {
		if converted, ok := convertLegacy(legacy); ok {
			return converted
		}
	}

	return DefaultBotConfig()
}

// convertLegacy extracts host and ports from the legacy URL fields.
func convertLegacy(legacy legacyBotConfig) (BotConfig, bool) {
	cfg := DefaultBotConfig()
	cfg.Token = legacy.Token
	cfg.AutoConnect = legacy.AutoConnect

	ok := false
	if host, port, err := splitURL(legacy.API); err == nil {
		cfg.Host = host
		cfg.APIPort = port
		ok = true
	}
	if host, port, err := splitURL(legacy.EventSSE); err == nil {
		if cfg.Host == "" || !ok {
			cfg.Host = host
		}
		cfg.EventPort = port
		ok = true
	}
	return cfg, ok
}

func splitURL(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", 0, fmt.Errorf("invalid url %q", raw)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			return host, 443, nil
		}
		return host, 80, nil
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, err
	}
	return host, n, nil
}

// SaveBotConfig writes the config in the current (non-legacy) form.
func SaveBotConfig(path string, cfg BotConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// BotConfigStore is the shared, mutable view of the bot config. The API proxy
// and the event fan-out read it per request; the UI rewrites it via the
// control API.
type BotConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  BotConfig
}

// NewBotConfigStore loads the config from path and keeps it cached.
func NewBotConfigStore(path string) *BotConfigStore {
	return &BotConfigStore{path: path, cfg: LoadBotConfig(path)}
}

// Get returns the current config snapshot.
func (s *BotConfigStore) Get() BotConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the config and persists it.
func (s *BotConfigStore) Set(cfg BotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := SaveBotConfig(s.path, cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// HostConfig carries process-level settings resolved from the environment.
type HostConfig struct {
	// LogLevel is the zerolog level name (default "info").
	LogLevel string

	// LogStderr mirrors log output to stderr. Off by default so a GUI build
	// does not hijack the console the plugins write to.
	LogStderr bool

	// ShutdownTimeout bounds StopAllAndWait during host shutdown.
	ShutdownTimeout int // seconds
}

// LoadHostConfig reads environment overrides, consulting an optional .env
// file in the working directory first.
func LoadHostConfig() HostConfig {
	_ = godotenv.Load()

	cfg := HostConfig{
		LogLevel:        getEnv("YUYU_LOG_LEVEL", "info"),
		LogStderr:       os.Getenv("YUYU_LOG_STDERR") != "",
		ShutdownTimeout: getEnvInt("YUYU_SHUTDOWN_TIMEOUT", 8),
	}
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
