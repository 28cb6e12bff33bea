package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/mangaforge/mangaforge/internal/repository"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

type EpisodeService interface {
	Create(ctx context.Context, ep *domain.Episode) (*domain.Episode, error)
	Get(ctx context.Context, projectID, episodeID string) (*domain.Episode, error)
	List(ctx context.Context, projectID string) ([]*domain.Episode, error)
	Update(ctx context.Context, ep *domain.Episode) (*domain.Episode, error)
	Delete(ctx context.Context, projectID, episodeID string) error
}

type episodeService struct {
	episodes repository.EpisodeRepository
}

func NewEpisodeService(episodes repository.EpisodeRepository) EpisodeService {
	return &episodeService{episodes: episodes}
}

func (s *episodeService) Create(ctx context.Context, ep *domain.Episode) (*domain.Episode, error) {
	if strings.TrimSpace(ep.Title) == "" && strings.TrimSpace(ep.ScriptInput) == "" {
		return nil, errors.New("title or scriptInput is required")
	}
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.Status == "" {
		ep.Status = "draft"
	}
	if err := s.episodes.Save(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (s *episodeService) Get(ctx context.Context, projectID, episodeID string) (*domain.Episode, error) {
	return s.episodes.Get(ctx, projectID, episodeID)
}

func (s *episodeService) List(ctx context.Context, projectID string) ([]*domain.Episode, error) {
	return s.episodes.List(ctx, projectID)
}

func (s *episodeService) Update(ctx context.Context, ep *domain.Episode) (*domain.Episode, error) {
	if ep.ID == "" {
		return nil, errors.New("episode id is required")
	}
	existing, err := s.episodes.Get(ctx, ep.ProjectID, ep.ID)
	if err != nil {
		return nil, err
	}
	// Fields the pipeline owns are preserved across user edits.
	if ep.Status == "" {
		ep.Status = existing.Status
	}
	if ep.VideoPath == "" {
		ep.VideoPath = existing.VideoPath
	}
	if ep.LastTaskID == "" {
		ep.LastTaskID = existing.LastTaskID
	}
	if ep.ParsedScript == nil {
		ep.ParsedScript = existing.ParsedScript
	}
	if ep.Storyboard == nil {
		ep.Storyboard = existing.Storyboard
	}
	if err := s.episodes.Save(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (s *episodeService) Delete(ctx context.Context, projectID, episodeID string) error {
	return s.episodes.Delete(ctx, projectID, episodeID)
}
