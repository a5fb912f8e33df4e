package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Context.MaxMessages != 20 {
		t.Errorf("MaxMessages = %d, want 20", cfg.Context.MaxMessages)
	}
	if cfg.Context.MaxContentLength != 10000 {
		t.Errorf("MaxContentLength = %d, want 10000", cfg.Context.MaxContentLength)
	}
	if cfg.Redis.Prefix != "agent:session:" {
		t.Errorf("Prefix = %q", cfg.Redis.Prefix)
	}
	if cfg.Turn.Timeout != 30*time.Second {
		t.Errorf("Turn.Timeout = %v", cfg.Turn.Timeout)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("context:\n  max_messages: 50\nredis:\n  prefix: \"custom:\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONTEXT_MAX_MESSAGES", "99")
	t.Setenv("REDIS_EXPIRY", "120")
	t.Setenv("USE_REDIS", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Context.MaxMessages != 99 {
		t.Errorf("env override lost: MaxMessages = %d", cfg.Context.MaxMessages)
	}
	if cfg.Redis.Prefix != "custom:" {
		t.Errorf("file value lost: Prefix = %q", cfg.Redis.Prefix)
	}
	if cfg.Redis.Expiry != 120*time.Second {
		t.Errorf("seconds form not parsed: Expiry = %v", cfg.Redis.Expiry)
	}
	if cfg.Redis.Enabled == nil || !*cfg.Redis.Enabled {
		t.Error("USE_REDIS=true not applied")
	}
}

func TestEnvDuration_GoForm(t *testing.T) {
	t.Setenv("REDIS_SOCKET_TIMEOUT", "250ms")
	cfg := FromEnv()
	if cfg.Redis.SocketTimeout != 250*time.Millisecond {
		t.Errorf("SocketTimeout = %v", cfg.Redis.SocketTimeout)
	}
}
