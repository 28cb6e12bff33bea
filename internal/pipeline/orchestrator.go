package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mangaforge/mangaforge/internal/tracing"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

// ErrCancelled is returned when a cancel request is honored at a stage
// boundary.
var ErrCancelled = errors.New("task cancelled")

// CancelCheck reports whether a cancel has been requested for the running
// task. It is consulted at stage boundaries only; in-flight provider calls
// are never interrupted.
type CancelCheck func(ctx context.Context) bool

// Orchestrator drives a task through the stage sequence, publishing progress
// and folding each StageResult back into the task record. The task is mutated
// only by the single goroutine running Generate.
type Orchestrator struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

func NewOrchestrator(p *Pipeline, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{pipeline: p, logger: logger}
}

// Generate runs the pipeline for task. Stages strictly before
// Request.RegenerateFrom reuse the task's prior StageResults unmodified; a
// missing prior result is fatal. Any stage-fatal error aborts the remaining
// stages and is returned with stage context.
func (o *Orchestrator) Generate(ctx context.Context, task *domain.GenerationTask, sink Sink, cancelled CancelCheck) error {
	if sink == nil {
		sink = NopSink
	}
	if task.Stages == nil {
		task.Stages = make(map[domain.Stage]*domain.StageResult)
	}

	startIdx := 0
	if task.Request.RegenerateFrom != "" {
		startIdx = domain.StageIndex(task.Request.RegenerateFrom)
		if startIdx < 0 {
			return fmt.Errorf("invalid regeneration stage %q", task.Request.RegenerateFrom)
		}
	}

	st := &state{task: task, req: task.Request}

	for i, stage := range domain.StageOrder {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cancelled != nil && cancelled(ctx) {
			o.publish(ctx, sink, task, domain.EventCancelled, stage, 0, "generation cancelled", nil)
			return ErrCancelled
		}

		if i < startIdx {
			if err := o.reuseStage(st, stage); err != nil {
				o.publish(ctx, sink, task, domain.EventError, stage, 0, err.Error(), nil)
				return err
			}
			o.advance(task, stage, 100, fmt.Sprintf("reusing earlier %s results", stage))
			o.publish(ctx, sink, task, domain.EventStageComplete, stage, 100, task.Message, map[string]any{"reused": true})
			continue
		}

		result, err := o.runStage(ctx, st, stage, sink)
		if err != nil {
			o.publish(ctx, sink, task, domain.EventError, stage, 0, err.Error(), nil)
			return fmt.Errorf("stage %s: %w", stage, err)
		}
		task.Stages[stage] = result
		o.advance(task, stage, 100, fmt.Sprintf("%s stage complete", stage))
		o.publish(ctx, sink, task, domain.EventStageComplete, stage, 100, task.Message, stageDetails(result))
	}

	task.FinalVideoPath = st.finalVideo
	task.EstimatedDuration = st.estimatedDuration
	task.Progress = 100
	task.CurrentStage = domain.StageComplete
	task.Message = "episode generation complete"
	o.publish(ctx, sink, task, domain.EventComplete, domain.StageComplete, 100, task.Message, map[string]any{
		"finalVideo":        st.finalVideo,
		"clipCount":         st.clipCount,
		"estimatedDuration": st.estimatedDuration,
	})
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, st *state, stage domain.Stage, sink Sink) (*domain.StageResult, error) {
	sctx, span := tracing.StartStageSpan(ctx, st.task.ID, string(stage))
	defer span.End()
	timer := stageTimer(stage)

	report := func(progress int, message string, details map[string]any) {
		o.advance(st.task, stage, progress, message)
		o.publish(ctx, sink, st.task, domain.EventProgress, stage, progress, message, details)
	}
	report(0, fmt.Sprintf("starting %s stage", stage), nil)

	var (
		result *domain.StageResult
		err    error
	)
	switch stage {
	case domain.StageScript:
		result, err = o.pipeline.runScript(sctx, st, report)
	case domain.StageCharacter:
		result, err = o.pipeline.runCharacter(sctx, st, report)
	case domain.StageStoryboard:
		result, err = o.pipeline.runStoryboard(sctx, st, report)
	case domain.StageRender:
		result, err = o.pipeline.runRender(sctx, st, report)
	case domain.StageVideo:
		result, err = o.pipeline.runVideo(sctx, st, report)
	case domain.StageVoice:
		result, err = o.pipeline.runVoice(sctx, st, report)
	case domain.StageLipsync:
		result, err = o.pipeline.runLipsync(sctx, st, report)
	case domain.StageEdit:
		result, err = o.pipeline.runEdit(sctx, st, report)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}

	if err != nil {
		timer("error")
		span.RecordError(err)
		return nil, err
	}
	timer("success")
	return result, nil
}

// reuseStage folds a prior StageResult back into the scratch state so later
// stages see it exactly as if the stage had just run.
func (o *Orchestrator) reuseStage(st *state, stage domain.Stage) error {
	prior, ok := st.task.Stages[stage]
	if !ok || prior == nil {
		return fmt.Errorf("missing prior %s result for partial regeneration", stage)
	}
	switch stage {
	case domain.StageScript:
		if prior.Script == nil {
			return fmt.Errorf("prior %s result has no script payload", stage)
		}
		st.script = prior.Script
	case domain.StageCharacter:
		st.characters = prior.Characters
	case domain.StageStoryboard:
		st.storyboard = prior.Storyboard
	case domain.StageRender:
		st.rendered = prior.Rendered
	case domain.StageVideo:
		st.videos = prior.Videos
	case domain.StageVoice:
		st.audio = prior.Audio
	case domain.StageLipsync:
		st.lipsync = prior.Lipsync
	default:
		return fmt.Errorf("stage %s cannot be reused", stage)
	}
	prior.Reused = true
	return nil
}

// advance updates the task's progress snapshot. Overall progress never goes
// backwards within a run.
func (o *Orchestrator) advance(task *domain.GenerationTask, stage domain.Stage, stageProgress int, message string) {
	task.CurrentStage = stage
	task.Message = message
	if overall := domain.OverallProgress(stage, stageProgress); overall > task.Progress {
		task.Progress = overall
	}
}

func (o *Orchestrator) publish(ctx context.Context, sink Sink, task *domain.GenerationTask, kind domain.EventKind, stage domain.Stage, progress int, message string, details map[string]any) {
	sink.Report(ctx, domain.ProgressEvent{
		Kind:     kind,
		TaskID:   task.ID,
		UserID:   task.UserID,
		Stage:    stage,
		Progress: progress,
		Overall:  task.Progress,
		Message:  message,
		Details:  details,
	})
}

func stageDetails(r *domain.StageResult) map[string]any {
	if r == nil {
		return nil
	}
	details := map[string]any{"succeeded": r.Succeeded, "failed": r.Failed}
	if r.FinalVideo != "" {
		details["finalVideo"] = r.FinalVideo
	}
	return details
}
