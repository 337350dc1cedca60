package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.UserID = "alice"
	cfg.Presence.Backend = "redis"
	cfg.Presence.RedisAddr = "localhost:6379"
	cfg.Chat.SweepInterval = Duration{500 * time.Millisecond}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.UserID != "alice" {
		t.Errorf("UserID = %q, want %q", loaded.UserID, "alice")
	}
	if loaded.Presence.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", loaded.Presence.RedisAddr)
	}
	if loaded.Chat.SweepInterval.Duration != 500*time.Millisecond {
		t.Errorf("SweepInterval = %v, want 500ms", loaded.Chat.SweepInterval)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("user_id = \"bob\"\n[media]\nmax_entries = 10\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Media.MaxEntries != 10 {
		t.Errorf("MaxEntries = %d, want 10", cfg.Media.MaxEntries)
	}
	if cfg.Media.MaxBytes != Default().Media.MaxBytes {
		t.Errorf("MaxBytes = %d, want default", cfg.Media.MaxBytes)
	}
	if cfg.Presence.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Presence.Backend)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Chat.MessageWindow != 50 {
		t.Errorf("MessageWindow = %d, want 50", cfg.Chat.MessageWindow)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "CONVERSA_REDIS_ADDR=redis:6379\nCONVERSA_PRESENCE_BACKEND=redis\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONVERSA_USER_ID", "carol")
	t.Setenv("CONVERSA_LEASE_TTL", "3s")
	// Variables loaded from the file are not cleaned up by t.Setenv.
	t.Cleanup(func() {
		_ = os.Unsetenv("CONVERSA_REDIS_ADDR")
		_ = os.Unsetenv("CONVERSA_PRESENCE_BACKEND")
	})

	cfg := Default()
	if err := cfg.ApplyEnv(envFile); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.UserID != "carol" {
		t.Errorf("UserID = %q, want carol", cfg.UserID)
	}
	if cfg.Presence.Backend != "redis" || cfg.Presence.RedisAddr != "redis:6379" {
		t.Errorf("presence = %+v", cfg.Presence)
	}
	if cfg.Presence.LeaseTTL.Duration != 3*time.Second {
		t.Errorf("LeaseTTL = %v, want 3s", cfg.Presence.LeaseTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestApplyEnvMissingFileIsFine(t *testing.T) {
	cfg := Default()
	if err := cfg.ApplyEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("ApplyEnv() error = %v", err)
	}
}

func TestApplyEnvBadNumber(t *testing.T) {
	t.Setenv("CONVERSA_MEDIA_MAX_BYTES", "lots")
	if err := Default().ApplyEnv(""); err == nil {
		t.Error("ApplyEnv() expected error for bad number")
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "alice", false},
		{"valid mixed case", "uXk29LmQ", false},
		{"valid with hyphen", "user-1", false},
		{"valid with underscore", "user_1", false},
		{"empty", "", true},
		{"space", "my user", true},
		{"dot", "my.user", true},
		{"slash", "my/user", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUserID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePresenceBackend(t *testing.T) {
	cfg := Default()
	cfg.UserID = "alice"
	cfg.Presence.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Error("redis without address should not validate")
	}
	cfg.Presence.Backend = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown backend should not validate")
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	cfg.UserID = "alice"
	if got := cfg.DBPath(); got != "/data/users/alice/conversa.db" {
		t.Errorf("DBPath() = %q", got)
	}
	if got := cfg.SocketPath(); got != "/data/users/alice/daemon.sock" {
		t.Errorf("SocketPath() = %q", got)
	}
	if got := cfg.LogPath(); got != "/data/users/alice/logs/conversad.log" {
		t.Errorf("LogPath() = %q", got)
	}
}
