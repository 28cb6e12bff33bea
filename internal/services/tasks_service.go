// Package services holds the application layer between the HTTP controllers
// and the repositories: submission validation, status/result views and
// provider configuration management.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mangaforge/mangaforge/internal/repository"
	"github.com/mangaforge/mangaforge/internal/storage"
	"github.com/mangaforge/mangaforge/internal/tracing"
	"github.com/mangaforge/mangaforge/pkg/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotFound      = repository.ErrNotFound
	ErrNotCompleted  = errors.New("task is not completed")
	ErrNotCancelable = errors.New("task is not pending or running")
)

var validAspectRatios = map[string]bool{"": true, "9:16": true, "16:9": true, "1:1": true}

var validStyles = map[string]bool{"": true, "anime": true, "manga": true, "realistic": true, "3d": true}

// StageSummary is the compact per-stage view exposed by the result query.
type StageSummary struct {
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Reused    bool `json:"reused,omitempty"`
}

// TaskStatus is the status-query view of a task.
type TaskStatus struct {
	TaskID          string            `json:"taskId"`
	Status          domain.TaskStatus `json:"status"`
	OverallProgress int               `json:"overallProgress"`
	CurrentStage    domain.Stage      `json:"currentStage,omitempty"`
	Message         string            `json:"message,omitempty"`
	Error           string            `json:"error,omitempty"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
}

// TaskResult is the result-query view, valid only for completed tasks.
type TaskResult struct {
	TaskID            string                        `json:"taskId"`
	VideoURL          string                        `json:"videoUrl"`
	EstimatedDuration int                           `json:"estimatedDuration,omitempty"`
	Stages            map[domain.Stage]StageSummary `json:"stages"`
}

type TaskService interface {
	// Submit validates and enqueues a generation request. The bool result
	// reports whether a new task was created; an idempotent repeat returns
	// the original task with false.
	Submit(ctx context.Context, req domain.GenerationRequest, projectID, idempotencyKey string) (*domain.GenerationTask, bool, error)
	Get(ctx context.Context, taskID string) (*domain.GenerationTask, error)
	Status(ctx context.Context, taskID string) (*TaskStatus, error)
	// Result resolves the final asset to a time-limited URL plus per-stage
	// summaries. It fails with ErrNotCompleted for non-terminal tasks.
	Result(ctx context.Context, taskID string) (*TaskResult, error)
	Cancel(ctx context.Context, taskID string) (*domain.GenerationTask, error)
	QueueStats(ctx context.Context) (map[string]int64, error)
}

type taskService struct {
	repo        repository.TaskRepository
	episodes    repository.EpisodeRepository
	store       storage.Store
	maxAttempts int
	presignTTL  time.Duration
	now         func() time.Time
}

func NewTaskService(repo repository.TaskRepository, episodes repository.EpisodeRepository, store storage.Store, maxAttempts int, now func() time.Time) TaskService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if now == nil {
		now = time.Now
	}
	return &taskService{
		repo:        repo,
		episodes:    episodes,
		store:       store,
		maxAttempts: maxAttempts,
		presignTTL:  time.Hour,
		now:         now,
	}
}

func (s *taskService) Submit(ctx context.Context, req domain.GenerationRequest, projectID, idempotencyKey string) (*domain.GenerationTask, bool, error) {
	if strings.TrimSpace(req.EpisodeID) == "" && strings.TrimSpace(req.ScriptOverride) == "" {
		return nil, false, errors.New("episodeId or scriptOverride is required")
	}
	if !validAspectRatios[req.AspectRatio] {
		return nil, false, fmt.Errorf("invalid aspect ratio %q", req.AspectRatio)
	}
	if !validStyles[req.Style] {
		return nil, false, fmt.Errorf("invalid style %q", req.Style)
	}
	if req.BGMVolume < 0 || req.BGMVolume > 1 {
		return nil, false, errors.New("bgmVolume must be between 0 and 1")
	}
	if req.RegenerateFrom != "" && domain.StageIndex(req.RegenerateFrom) < 0 {
		return nil, false, fmt.Errorf("invalid regenerateFromStage %q", req.RegenerateFrom)
	}

	ctx, span := otel.Tracer("mangaforge/tasks").Start(ctx, "mangaforge.task.submit",
		trace.WithAttributes(
			attribute.String("episode.id", req.EpisodeID),
			attribute.String("user.id", req.UserID),
		))
	defer span.End()

	if strings.TrimSpace(req.ScriptOverride) == "" {
		ep, err := s.episodes.Get(ctx, projectID, req.EpisodeID)
		if err != nil {
			return nil, false, fmt.Errorf("load episode %s: %w", req.EpisodeID, err)
		}
		if strings.TrimSpace(ep.ScriptInput) == "" {
			return nil, false, errors.New("episode has no script input")
		}
		req.ScriptOverride = ep.ScriptInput
	}

	// Partial regeneration needs the prior run's stage results in the record
	// before the task is visible to workers, so they travel with the enqueue.
	seed := &repository.TaskSeed{}
	seed.TraceParent, seed.TraceState = tracing.TraceContextStrings(ctx)
	if req.RegenerateFrom != "" && domain.StageIndex(req.RegenerateFrom) > 0 {
		prior, err := s.priorStages(ctx, projectID, req)
		if err != nil {
			return nil, false, err
		}
		seed.Stages = prior
	}

	task, created, err := s.repo.Enqueue(ctx, req, projectID, s.maxAttempts, idempotencyKey, seed)
	if err != nil {
		return nil, false, err
	}
	if created {
		span.SetAttributes(attribute.String("task.id", task.ID))
	}
	return task, created, nil
}

// priorStages loads the stage results of the episode's last run for reuse.
func (s *taskService) priorStages(ctx context.Context, projectID string, req domain.GenerationRequest) (map[domain.Stage]*domain.StageResult, error) {
	ep, err := s.episodes.Get(ctx, projectID, req.EpisodeID)
	if err != nil {
		return nil, fmt.Errorf("load episode for partial regeneration: %w", err)
	}
	if ep.LastTaskID == "" {
		return nil, errors.New("episode has no prior run to regenerate from")
	}
	last, err := s.repo.Get(ctx, ep.LastTaskID)
	if err != nil {
		return nil, fmt.Errorf("load prior task %s: %w", ep.LastTaskID, err)
	}
	if last.Compacted {
		return nil, errors.New("prior run results were compacted and can no longer be reused")
	}

	startIdx := domain.StageIndex(req.RegenerateFrom)
	prior := make(map[domain.Stage]*domain.StageResult, startIdx)
	for _, stage := range domain.StageOrder[:startIdx] {
		r, ok := last.Stages[stage]
		if !ok || r == nil {
			return nil, fmt.Errorf("prior run has no %s result", stage)
		}
		prior[stage] = r
	}
	return prior, nil
}

func (s *taskService) Get(ctx context.Context, taskID string) (*domain.GenerationTask, error) {
	return s.repo.Get(ctx, taskID)
}

func (s *taskService) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskStatus{
		TaskID:          task.ID,
		Status:          task.Status,
		OverallProgress: task.Progress,
		CurrentStage:    task.CurrentStage,
		Message:         task.Message,
		Error:           task.Error,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
	}, nil
}

func (s *taskService) Result(ctx context.Context, taskID string) (*TaskResult, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusCompleted {
		return nil, ErrNotCompleted
	}

	url := ""
	if task.FinalVideoPath != "" {
		url, err = s.store.Presign(ctx, task.FinalVideoPath, s.presignTTL)
		if err != nil {
			return nil, fmt.Errorf("presign final video: %w", err)
		}
	}

	stages := make(map[domain.Stage]StageSummary, len(task.Stages))
	for stage, r := range task.Stages {
		stages[stage] = StageSummary{Succeeded: r.Succeeded, Failed: r.Failed, Reused: r.Reused}
	}
	return &TaskResult{
		TaskID:            task.ID,
		VideoURL:          url,
		EstimatedDuration: task.EstimatedDuration,
		Stages:            stages,
	}, nil
}

func (s *taskService) Cancel(ctx context.Context, taskID string) (*domain.GenerationTask, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, ErrNotCancelable
	}
	return s.repo.RequestCancel(ctx, taskID)
}

func (s *taskService) QueueStats(ctx context.Context) (map[string]int64, error) {
	return s.repo.QueueStats(ctx)
}
