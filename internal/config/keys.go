package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "VYSTI_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "VYSTI_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "runtime.location", typ: kString, env: "VYSTI_RUNTIME_CONFIG",
		apply:   func(cfg *Config, v any) { cfg.Runtime.Location = v.(string) },
		extract: func(cfg Config) any { return cfg.Runtime.Location },
	},
	{
		key: "storage.data_dir", typ: kString, env: "VYSTI_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "session.access_token", typ: kString, env: "VYSTI_ACCESS_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Session.AccessToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.AccessToken },
	},
	{
		key: "session.user_id", typ: kString, env: "VYSTI_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Session.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.UserID },
	},
	{
		key: "session.timeout_seconds", typ: kInt, env: "VYSTI_SESSION_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Session.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.TimeoutSeconds },
	},
	{
		key: "autosave.override", typ: kString, env: "VYSTI_AUTOSAVE",
		apply:   func(cfg *Config, v any) { cfg.Autosave.Override = v.(string) },
		extract: func(cfg Config) any { return cfg.Autosave.Override },
	},
	{
		key: "log.level", typ: kString, env: "VYSTI_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
