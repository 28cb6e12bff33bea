// Package runner hosts the worker pool that drains the task queue and the
// janitor that requeues expired leases and compacts old results.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mangaforge/mangaforge/internal/backoff"
	"github.com/mangaforge/mangaforge/internal/pipeline"
	"github.com/mangaforge/mangaforge/internal/progresshub"
	"github.com/mangaforge/mangaforge/internal/repository"
	"github.com/mangaforge/mangaforge/internal/tracing"
	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

// Options sizes the pool and its retry behavior. Zero values fall back to
// the same defaults the config loader applies.
type Options struct {
	Workers             int
	TaskTimeout         time.Duration
	LeaseSeconds        int
	RequeueInspectLimit int
	PollInterval        time.Duration

	BackoffPolicy string
	BackoffBase   time.Duration
	BackoffMax    time.Duration

	CompactInterval time.Duration
}

type Runner struct {
	opts     Options
	repo     repository.TaskRepository
	episodes repository.EpisodeRepository
	orch     *pipeline.Orchestrator
	hub      *progresshub.Hub
	logger   *slog.Logger
	rng      *rand.Rand
	now      func() time.Time
}

func New(opts Options, repo repository.TaskRepository, episodes repository.EpisodeRepository, orch *pipeline.Orchestrator, hub *progresshub.Hub, logger *slog.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = time.Hour
	}
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = 300
	}
	if opts.RequeueInspectLimit <= 0 {
		opts.RequeueInspectLimit = 200
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BackoffPolicy == "" {
		opts.BackoffPolicy = "exp_full_jitter"
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 15 * time.Minute
	}
	if opts.CompactInterval <= 0 {
		opts.CompactInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		opts:     opts,
		repo:     repo,
		episodes: episodes,
		orch:     orch,
		hub:      hub,
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Run starts the worker pool and the janitor and blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerLoop(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.janitorLoop(ctx)
	}()
	wg.Wait()
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	log := r.logger.With("worker", workerID)
	log.Info("worker started")
	for {
		if ctx.Err() != nil {
			log.Info("worker stopped")
			return
		}
		task, ok, err := r.repo.Claim(ctx, workerID, r.opts.LeaseSeconds, r.opts.RequeueInspectLimit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed", "error", err)
			sleepCtx(ctx, r.opts.PollInterval)
			continue
		}
		if !ok {
			sleepCtx(ctx, r.opts.PollInterval)
			continue
		}
		r.process(ctx, workerID, task)
	}
}

func (r *Runner) process(ctx context.Context, workerID string, task *domain.GenerationTask) {
	log := r.logger.With("worker", workerID, "task", task.ID, "attempt", task.Attempts)
	log.Info("task claimed")

	runCtx := tracing.ContextWithRemoteParent(ctx, task.TraceParent, task.TraceState)
	runCtx, cancel := context.WithTimeout(runCtx, r.opts.TaskTimeout)
	defer cancel()

	stopHeartbeat := r.startHeartbeat(runCtx, cancel, task.ID, workerID)
	defer stopHeartbeat()

	sink := pipeline.SinkFunc(func(evCtx context.Context, ev domain.ProgressEvent) {
		if r.hub != nil {
			if err := r.hub.Publish(evCtx, ev); err != nil {
				log.Warn("publish progress failed", "error", err)
			}
		}
		if err := r.repo.Update(evCtx, task, workerID); err != nil {
			if errors.Is(err, repository.ErrNotOwner) {
				log.Warn("progress write skipped, task has a new owner")
				return
			}
			log.Warn("persist progress failed", "error", err)
		}
	})

	cancelled := func(cctx context.Context) bool {
		flagged, err := r.repo.CancelRequested(cctx, task.ID)
		if err != nil {
			log.Warn("cancel check failed", "error", err)
			return false
		}
		return flagged
	}

	err := r.orch.Generate(runCtx, task, sink, cancelled)
	stopHeartbeat()

	// Terminal writes use the outer ctx so a task timeout does not block
	// recording its own failure. Each write carries the workerID so a worker
	// whose lease lapsed mid-run cannot overwrite the new owner's record.
	switch {
	case err == nil:
		if cerr := r.repo.Complete(ctx, task, workerID); cerr != nil {
			if errors.Is(cerr, repository.ErrNotOwner) {
				log.Warn("completion dropped, task has a new owner")
				return
			}
			log.Error("complete failed", "error", cerr)
			return
		}
		r.updateEpisode(ctx, task, log)
		log.Info("task completed", "finalVideo", task.FinalVideoPath)

	case errors.Is(err, pipeline.ErrCancelled):
		if cerr := r.repo.Cancelled(ctx, task, workerID); cerr != nil && !errors.Is(cerr, repository.ErrNotOwner) {
			log.Error("mark cancelled failed", "error", cerr)
		}
		log.Info("task cancelled")

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		if ferr := r.repo.Fail(ctx, task, workerID, "timeout"); ferr != nil && !errors.Is(ferr, repository.ErrNotOwner) {
			log.Error("mark timeout failed", "error", ferr)
		}
		log.Warn("task timed out", "timeout", r.opts.TaskTimeout)

	case runCtx.Err() != nil && ctx.Err() == nil:
		// The heartbeat cancelled the run: the lease was lost and another
		// worker may already be running this task. Leave the record alone.
		log.Warn("run aborted after losing the lease", "error", err)

	case transient(err):
		delay := backoff.Delay(r.opts.BackoffPolicy, r.opts.BackoffBase, r.opts.BackoffMax, task.Attempts, r.rng)
		terminal, rerr := r.repo.Retry(ctx, task.ID, workerID, delay, err.Error())
		if rerr != nil {
			if errors.Is(rerr, repository.ErrNotOwner) {
				log.Warn("retry dropped, task has a new owner")
				return
			}
			log.Error("retry failed", "error", rerr)
			return
		}
		if terminal {
			log.Warn("task failed after exhausting attempts", "error", err)
			return
		}
		log.Warn("task requeued", "delay", delay, "error", err)

	default:
		if ferr := r.repo.Fail(ctx, task, workerID, err.Error()); ferr != nil {
			if errors.Is(ferr, repository.ErrNotOwner) {
				log.Warn("failure dropped, task has a new owner")
				return
			}
			log.Error("mark failed failed", "error", ferr)
		}
		log.Warn("task failed", "error", err)
	}
}

// transient reports whether the failure is worth another attempt on a fresh
// worker. Stage-fatal generation errors are not; connectivity is.
func transient(err error) bool {
	return capability.ClassOf(err) == capability.ClassNetwork
}

// startHeartbeat extends the lease at a third of its duration. Losing
// ownership cancels the run so two workers never process the same task.
func (r *Runner) startHeartbeat(ctx context.Context, cancel context.CancelFunc, taskID, workerID string) func() {
	interval := time.Duration(r.opts.LeaseSeconds) * time.Second / 3
	if interval < time.Second {
		interval = time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := r.repo.Heartbeat(ctx, taskID, workerID, r.opts.LeaseSeconds)
				if errors.Is(err, repository.ErrNotOwner) || errors.Is(err, repository.ErrNotFound) {
					r.logger.Warn("lease lost, aborting run", "task", taskID, "worker", workerID)
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					r.logger.Warn("heartbeat failed", "task", taskID, "error", err)
				}
			}
		}
	}()
	return stop
}

// updateEpisode folds the finished run back into the episode record.
func (r *Runner) updateEpisode(ctx context.Context, task *domain.GenerationTask, log *slog.Logger) {
	if task.EpisodeID == "" {
		return
	}
	ep, err := r.episodes.Get(ctx, task.ProjectID, task.EpisodeID)
	if err != nil {
		log.Warn("load episode for update failed", "episode", task.EpisodeID, "error", err)
		return
	}
	ep.Status = "completed"
	ep.VideoPath = task.FinalVideoPath
	ep.Duration = task.EstimatedDuration
	ep.LastTaskID = task.ID
	if sr := task.Stages[domain.StageScript]; sr != nil && sr.Script != nil {
		ep.ParsedScript = sr.Script
	}
	if sr := task.Stages[domain.StageStoryboard]; sr != nil && len(sr.Storyboard) > 0 {
		ep.Storyboard = sr.Storyboard
	}
	if err := r.episodes.Save(ctx, ep); err != nil {
		log.Warn("save episode failed", "episode", task.EpisodeID, "error", err)
	}
}

func (r *Runner) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.repo.MoveDueDelayed(ctx, r.opts.RequeueInspectLimit); err != nil {
				r.logger.Warn("move delayed failed", "error", err)
			} else if n > 0 {
				r.logger.Info("moved delayed tasks", "count", n)
			}
			if n, err := r.repo.CompactExpired(ctx, 1000, r.now()); err != nil {
				r.logger.Warn("compact failed", "error", err)
			} else if n > 0 {
				r.logger.Info("compacted tasks", "count", n)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
