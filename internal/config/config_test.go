package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempJSON(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		if s.env != "" {
			t.Setenv(s.env, "")
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newFileBackend(filepath.Join(t.TempDir(), "missing.json")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4780 {
		t.Errorf("Server.Port = %d, want 4780", cfg.Server.Port)
	}
	if cfg.Session.TimeoutSeconds != 25 {
		t.Errorf("Session.TimeoutSeconds = %d, want 25", cfg.Session.TimeoutSeconds)
	}
	if cfg.Runtime.Location != "student-react-config.json" {
		t.Errorf("Runtime.Location = %q, want student-react-config.json", cfg.Runtime.Location)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestFileBackendValues(t *testing.T) {
	clearEnv(t)

	path := writeTempJSON(t, `{
		"server.port": 9000,
		"runtime.location": "https://app.vysti.com/student-react-config.json",
		"session.user_id": "u-123",
		"log.level": "debug"
	}`)

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Runtime.Location != "https://app.vysti.com/student-react-config.json" {
		t.Errorf("Runtime.Location = %q", cfg.Runtime.Location)
	}
	if cfg.Session.UserID != "u-123" {
		t.Errorf("Session.UserID = %q, want u-123", cfg.Session.UserID)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	clearEnv(t)

	path := writeTempJSON(t, `{"server.port": 9000, "session.user_id": "file-user"}`)
	t.Setenv("VYSTI_SERVER_PORT", "9100")
	t.Setenv("VYSTI_USER_ID", "env-user")

	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100 (env override)", cfg.Server.Port)
	}
	if cfg.Session.UserID != "env-user" {
		t.Errorf("Session.UserID = %q, want env-user", cfg.Session.UserID)
	}
}

func TestInvalidTimeoutRejected(t *testing.T) {
	clearEnv(t)

	path := writeTempJSON(t, `{"session.timeout_seconds": -5}`)
	if _, err := loadWith(newFileBackend(path)); err == nil {
		t.Fatal("expected error for negative timeout, got nil")
	}
}

func TestSecretNotSettableViaConfig(t *testing.T) {
	if err := SetKey("session.access_token", "tok"); err == nil {
		t.Fatal("expected error setting secret key, got nil")
	}
}

func TestShowAllOmitsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Session.AccessToken = "super-secret"

	for _, k := range ShowAll(cfg) {
		if k.Key == "session.access_token" {
			t.Fatal("ShowAll leaked secret key")
		}
		if k.Value == "super-secret" {
			t.Fatalf("ShowAll leaked secret value under %s", k.Key)
		}
	}
}
