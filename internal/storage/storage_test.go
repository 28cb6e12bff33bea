package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLocalStorePut(t *testing.T) {
	tmpDir := t.TempDir()

	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	data := []byte("frame bytes")
	url, err := store.Put(ctx, "tasks/t-1/render/scene1_shot1.png", "image/png", data)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("expected file:// URL, got %s", url)
	}

	content, err := os.ReadFile(filepath.Join(tmpDir, "tasks/t-1/render/scene1_shot1.png"))
	if err != nil {
		t.Fatalf("failed to read stored object: %v", err)
	}
	if string(content) != "frame bytes" {
		t.Errorf("stored content = %q", content)
	}
}

func TestLocalStoreCreatesDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	store := NewLocalStore(tmpDir)
	ctx := context.Background()

	if _, err := store.Put(ctx, "a/b/c/final.mp4", "video/mp4", []byte("mp4")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "a/b/c/final.mp4")); os.IsNotExist(err) {
		t.Fatal("expected object to exist in nested directory")
	}
}

func TestLocalStoreGetRoundTrip(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.Put(ctx, "tasks/t-1/voice/s1.wav", "audio/wav", []byte("wav data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := store.Get(ctx, "tasks/t-1/voice/s1.wav")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "wav data" {
		t.Errorf("Get = %q", got)
	}
}

func TestLocalStorePresignReturnsStableURL(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.Put(ctx, "tasks/t-1/final.mp4", "video/mp4", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	url, err := store.Presign(ctx, "tasks/t-1/final.mp4", time.Minute)
	if err != nil {
		t.Fatalf("Presign failed: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Errorf("Presign = %q, want file:// URL", url)
	}
}

func TestNewRedisClient(t *testing.T) {
	client := NewRedisClient("localhost:6379", "password")
	if client == nil {
		t.Fatal("expected redis client to be non-nil")
	}
	defer client.Close()
}
