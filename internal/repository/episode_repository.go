package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/mangaforge/mangaforge/pkg/domain"
)

type EpisodeRepository interface {
	Save(ctx context.Context, ep *domain.Episode) error
	Get(ctx context.Context, projectID, episodeID string) (*domain.Episode, error)
	List(ctx context.Context, projectID string) ([]*domain.Episode, error)
	Delete(ctx context.Context, projectID, episodeID string) error
}

type episodeRedisRepo struct {
	rdb *redis.Client
}

func NewEpisodeRepository(rdb *redis.Client) EpisodeRepository {
	return &episodeRedisRepo{rdb: rdb}
}

// Episodes live in one hash per project: field=episode id, value=JSON.
func keyEpisodes(projectID string) string {
	if projectID == "" {
		projectID = "default"
	}
	return "mangaforge:episodes:" + projectID
}

func (r *episodeRedisRepo) Save(ctx context.Context, ep *domain.Episode) error {
	if ep.ID == "" {
		return fmt.Errorf("episode id is required")
	}
	b, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}
	if err := r.rdb.HSet(ctx, keyEpisodes(ep.ProjectID), ep.ID, string(b)).Err(); err != nil {
		return fmt.Errorf("HSET episode: %w", err)
	}
	return nil
}

func (r *episodeRedisRepo) Get(ctx context.Context, projectID, episodeID string) (*domain.Episode, error) {
	js, err := r.rdb.HGet(ctx, keyEpisodes(projectID), episodeID).Result()
	if err == redis.Nil || js == "" {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("HGET episode: %w", err)
	}
	var ep domain.Episode
	if err := json.Unmarshal([]byte(js), &ep); err != nil {
		return nil, fmt.Errorf("unmarshal episode: %w", err)
	}
	return &ep, nil
}

func (r *episodeRedisRepo) List(ctx context.Context, projectID string) ([]*domain.Episode, error) {
	vals, err := r.rdb.HGetAll(ctx, keyEpisodes(projectID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("HGETALL episodes: %w", err)
	}
	eps := make([]*domain.Episode, 0, len(vals))
	for _, js := range vals {
		var ep domain.Episode
		if err := json.Unmarshal([]byte(js), &ep); err != nil {
			continue
		}
		eps = append(eps, &ep)
	}
	return eps, nil
}

func (r *episodeRedisRepo) Delete(ctx context.Context, projectID, episodeID string) error {
	n, err := r.rdb.HDel(ctx, keyEpisodes(projectID), episodeID).Result()
	if err != nil {
		return fmt.Errorf("HDEL episode: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
