// Package storage persists generated artifacts (frames, clips, audio,
// finished episodes) behind a small object-store interface.
package storage

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

type Store interface {
	// Put writes the object and returns a stable URL for it.
	Put(ctx context.Context, objectPath string, contentType string, data []byte) (string, error)
	Get(ctx context.Context, objectPath string) ([]byte, error)
	// Presign returns a time-limited download URL. Backends without signing
	// return the stable URL.
	Presign(ctx context.Context, objectPath string, expiry time.Duration) (string, error)
}

func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}
