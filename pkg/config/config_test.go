package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mangaforge/mangaforge/pkg/capability"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "env: dev\n")
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.Port != 8080 {
		t.Errorf("Port = %d, want 8080", c.Port)
	}
	if c.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", c.RedisAddr)
	}
	if c.WorkerCount != 2 {
		t.Errorf("WorkerCount = %d, want 2", c.WorkerCount)
	}
	if c.TaskTimeoutSeconds != 3600 {
		t.Errorf("TaskTimeoutSeconds = %d, want 3600", c.TaskTimeoutSeconds)
	}
	if c.Storage.Backend != "local" {
		t.Errorf("Storage.Backend = %q, want local", c.Storage.Backend)
	}
	if got := c.Capabilities.Defaults["text"]; got != "openai" {
		t.Errorf("default text provider = %q, want openai", got)
	}
	if got := c.Capabilities.Defaults["lipsync"]; got != "sadtalker" {
		t.Errorf("default lipsync provider = %q, want sadtalker", got)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("OPENAI_API_KEY", "sk-env-key")

	path := writeConfig(t, `
env: prod
redisAddr: file-value:6379
capabilities:
  providers:
    text:
      openai:
        model: gpt-4o
`)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.RedisAddr != "redis.internal:6380" {
		t.Errorf("RedisAddr = %q, env should win", c.RedisAddr)
	}
	if c.WorkerCount != 8 {
		t.Errorf("WorkerCount = %d, want 8", c.WorkerCount)
	}
	if got := c.Capabilities.Providers["text"]["openai"].APIKey; got != "sk-env-key" {
		t.Errorf("openai APIKey = %q, want env value", got)
	}
	if got := c.Capabilities.Providers["text"]["openai"].Model; got != "gpt-4o" {
		t.Errorf("openai Model = %q, file value should survive", got)
	}
}

func TestCapabilityDefaults(t *testing.T) {
	path := writeConfig(t, `
capabilities:
  defaults:
    text: anthropic
  providers:
    text:
      anthropic:
        model: claude-sonnet-4-20250514
      openai: {}
    speech:
      fish_speech:
        endpoint: http://tts.internal:8080
`)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	d := c.CapabilityDefaults()
	if got := d.Provider[capability.KindText]; got != "anthropic" {
		t.Errorf("text default = %q, want anthropic", got)
	}
	if got := d.Provider[capability.KindImage]; got != "comfyui" {
		t.Errorf("image default = %q, want comfyui", got)
	}
	pc, ok := d.Configs[capability.KindText]["anthropic"]
	if !ok {
		t.Fatal("anthropic config missing")
	}
	if pc.Provider != "anthropic" {
		t.Errorf("Provider = %q, name should backfill", pc.Provider)
	}
	if pc.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %q", pc.Model)
	}
	if _, ok := d.Configs[capability.KindSpeech]["fish_speech"]; !ok {
		t.Error("fish_speech config missing")
	}
}

func TestValidateRejectsBadStorage(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: s3\n")
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	err = c.Validate()
	if err == nil {
		t.Fatal("Validate accepted unknown storage backend")
	}
	if !strings.Contains(err.Error(), "storage.backend") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMinioWithoutEndpoint(t *testing.T) {
	path := writeConfig(t, "env: prod\nstorage:\n  backend: minio\n")
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate accepted minio backend with no endpoint")
	}
}

func TestValidateRejectsBadProviderEndpoint(t *testing.T) {
	path := writeConfig(t, `
capabilities:
  providers:
    image:
      comfyui:
        endpoint: "not a url"
`)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate accepted malformed provider endpoint")
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	path := writeConfig(t, `
capabilities:
  defaults:
    telepathy: openai
`)
	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate accepted unknown capability kind")
	}
}
