package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server   ServerConfig
	Runtime  RuntimeSource
	Storage  StorageConfig
	Session  SessionConfig
	Autosave AutosaveConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken protects the loopback HTTP surface. The CLI client sends it
	// as a bearer token; an empty value rejects every authenticated route.
	APIToken string
}

// RuntimeSource points at the runtime configuration document (§ Runtime
// Config). Location may be a filesystem path or an http(s) URL.
type RuntimeSource struct {
	Location string
}

type StorageConfig struct {
	DataDir string
}

type SessionConfig struct {
	// AccessToken is the bearer token for the marking service. Usually
	// provided via VYSTI_ACCESS_TOKEN; an empty value surfaces as an
	// expired session at call time, not at load time.
	AccessToken string
	// UserID identifies the student for history and draft keys.
	UserID string
	// TimeoutSeconds is the per-call timeout for remote service calls.
	TimeoutSeconds int
}

type AutosaveConfig struct {
	// Override forces draft autosave on/off regardless of the remote
	// feature flag: "", "on", or "off".
	Override string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4780,
		},
		Runtime: RuntimeSource{
			Location: "student-react-config.json",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Session: SessionConfig{
			TimeoutSeconds: 25,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "vysti-data"
		}
	}
	return filepath.Join(dir, "vysti")
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/vysti/config.json, then applies VYSTI_* environment
// overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Session.TimeoutSeconds <= 0 {
		return Config{}, fmt.Errorf("session.timeout_seconds must be positive, got %d", cfg.Session.TimeoutSeconds)
	}

	return cfg, nil
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "vysti", "config.json")
}
