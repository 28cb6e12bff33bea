package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"
)

type localStore struct {
	rootDir string
}

func NewLocalStore(rootDir string) Store {
	return &localStore{rootDir: rootDir}
}

func (s *localStore) Put(ctx context.Context, objectPath string, contentType string, data []byte) (string, error) {
	dst := filepath.Join(s.rootDir, filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return "", err
	}
	abs, _ := filepath.Abs(dst)
	return "file://" + abs, nil
}

func (s *localStore) Get(ctx context.Context, objectPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.rootDir, filepath.FromSlash(objectPath)))
}

func (s *localStore) Presign(ctx context.Context, objectPath string, expiry time.Duration) (string, error) {
	abs, err := filepath.Abs(filepath.Join(s.rootDir, filepath.FromSlash(objectPath)))
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}
