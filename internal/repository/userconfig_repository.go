package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"

	"github.com/mangaforge/mangaforge/pkg/capability"
)

// UserConfigRepository stores per-user provider configurations. It also
// serves the registry's fallback chains via ConfigsByKind.
type UserConfigRepository interface {
	capability.UserConfigSource

	Save(ctx context.Context, userID string, kind capability.Kind, cfg capability.ProviderConfig) error
	Get(ctx context.Context, userID string, kind capability.Kind, provider string) (*capability.ProviderConfig, error)
	List(ctx context.Context, userID string, kind capability.Kind) ([]capability.ProviderConfig, error)
	Delete(ctx context.Context, userID string, kind capability.Kind, provider string) error
}

type userConfigRedisRepo struct {
	rdb *redis.Client
}

func NewUserConfigRepository(rdb *redis.Client) UserConfigRepository {
	return &userConfigRedisRepo{rdb: rdb}
}

// One hash per (user, kind): field=provider name, value=JSON config.
func keyUserConfigs(userID string, kind capability.Kind) string {
	return fmt.Sprintf("mangaforge:usercfg:%s:%s", userID, kind)
}

func (r *userConfigRedisRepo) Save(ctx context.Context, userID string, kind capability.Kind, cfg capability.ProviderConfig) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if cfg.Provider == "" {
		return fmt.Errorf("provider name is required")
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}
	if err := r.rdb.HSet(ctx, keyUserConfigs(userID, kind), cfg.Provider, string(b)).Err(); err != nil {
		return fmt.Errorf("HSET user config: %w", err)
	}
	return nil
}

func (r *userConfigRedisRepo) Get(ctx context.Context, userID string, kind capability.Kind, provider string) (*capability.ProviderConfig, error) {
	js, err := r.rdb.HGet(ctx, keyUserConfigs(userID, kind), provider).Result()
	if err == redis.Nil || js == "" {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("HGET user config: %w", err)
	}
	var cfg capability.ProviderConfig
	if err := json.Unmarshal([]byte(js), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal provider config: %w", err)
	}
	return &cfg, nil
}

func (r *userConfigRedisRepo) List(ctx context.Context, userID string, kind capability.Kind) ([]capability.ProviderConfig, error) {
	vals, err := r.rdb.HGetAll(ctx, keyUserConfigs(userID, kind)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("HGETALL user configs: %w", err)
	}
	configs := make([]capability.ProviderConfig, 0, len(vals))
	for _, js := range vals {
		var cfg capability.ProviderConfig
		if err := json.Unmarshal([]byte(js), &cfg); err != nil {
			continue
		}
		configs = append(configs, cfg)
	}
	sort.SliceStable(configs, func(i, j int) bool {
		return configs[i].Priority > configs[j].Priority
	})
	return configs, nil
}

// ConfigsByKind returns the user's active configs sorted by descending
// priority, the order fallback chains try them in.
func (r *userConfigRedisRepo) ConfigsByKind(ctx context.Context, userID string, kind capability.Kind) ([]capability.ProviderConfig, error) {
	all, err := r.List(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, cfg := range all {
		if cfg.Active {
			active = append(active, cfg)
		}
	}
	return active, nil
}

func (r *userConfigRedisRepo) Delete(ctx context.Context, userID string, kind capability.Kind, provider string) error {
	n, err := r.rdb.HDel(ctx, keyUserConfigs(userID, kind), provider).Result()
	if err != nil {
		return fmt.Errorf("HDEL user config: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
