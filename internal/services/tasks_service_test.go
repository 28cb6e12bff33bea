package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mangaforge/mangaforge/internal/metrics"
	"github.com/mangaforge/mangaforge/internal/repository"
	"github.com/mangaforge/mangaforge/internal/storage"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

func setupTaskService(t *testing.T) (TaskService, repository.TaskRepository, repository.EpisodeRepository) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tasks := repository.NewTaskRepository(rdb, time.Hour)
	episodes := repository.NewEpisodeRepository(rdb)
	store := storage.NewLocalStore(t.TempDir())
	return NewTaskService(tasks, episodes, store, 3, nil), tasks, episodes
}

func seedEpisode(t *testing.T, episodes repository.EpisodeRepository, ep *domain.Episode) {
	t.Helper()
	if err := episodes.Save(context.Background(), ep); err != nil {
		t.Fatalf("save episode: %v", err)
	}
}

func TestSubmitCreatesTask(t *testing.T) {
	svc, _, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{
		ID: "ep-1", ProjectID: "proj-1", ScriptInput: "a short story",
	})

	task, created, err := svc.Submit(ctx, domain.GenerationRequest{EpisodeID: "ep-1"}, "proj-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if task.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if task.Request.ScriptOverride != "a short story" {
		t.Fatalf("script = %q, want episode script input", task.Request.ScriptOverride)
	}
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	svc, _, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x"})

	cases := []struct {
		name string
		req  domain.GenerationRequest
		want string
	}{
		{"no input", domain.GenerationRequest{}, "episodeId or scriptOverride"},
		{"bad ratio", domain.GenerationRequest{EpisodeID: "ep-1", AspectRatio: "4:3"}, "aspect ratio"},
		{"bad style", domain.GenerationRequest{EpisodeID: "ep-1", Style: "noir"}, "style"},
		{"bad volume", domain.GenerationRequest{EpisodeID: "ep-1", BGMVolume: 1.5}, "bgmVolume"},
		{"bad stage", domain.GenerationRequest{EpisodeID: "ep-1", RegenerateFrom: "mixing"}, "regenerateFromStage"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Submit(ctx, tc.req, "proj-1", "")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestSubmitIdempotent(t *testing.T) {
	svc, _, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x"})

	first, created, err := svc.Submit(ctx, domain.GenerationRequest{EpisodeID: "ep-1"}, "proj-1", "key-1")
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}
	second, created, err := svc.Submit(ctx, domain.GenerationRequest{EpisodeID: "ep-1"}, "proj-1", "key-1")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if created {
		t.Fatal("expected created=false on repeat")
	}
	if second.ID != first.ID {
		t.Fatalf("second id = %s, want %s", second.ID, first.ID)
	}
}

func TestSubmitPartialCopiesPriorStages(t *testing.T) {
	svc, tasks, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x"})

	prior, _, err := tasks.Enqueue(ctx, domain.GenerationRequest{EpisodeID: "ep-1", ScriptOverride: "x"}, "proj-1", 3, "", nil)
	if err != nil {
		t.Fatalf("enqueue prior: %v", err)
	}
	prior.Stages = map[domain.Stage]*domain.StageResult{
		domain.StageScript:    {Stage: domain.StageScript, Succeeded: 3},
		domain.StageCharacter: {Stage: domain.StageCharacter, Succeeded: 2},
	}
	if err := tasks.Update(ctx, prior, ""); err != nil {
		t.Fatalf("update prior: %v", err)
	}
	seedEpisode(t, episodes, &domain.Episode{
		ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x", LastTaskID: prior.ID,
	})

	task, created, err := svc.Submit(ctx, domain.GenerationRequest{
		EpisodeID: "ep-1", RegenerateFrom: domain.StageStoryboard,
	}, "proj-1", "")
	if err != nil {
		t.Fatalf("submit partial: %v", err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	stored, err := tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Stages[domain.StageScript] == nil || stored.Stages[domain.StageCharacter] == nil {
		t.Fatalf("prior stages not copied: %v", stored.Stages)
	}
}

func TestSubmitPartialStagesClaimableImmediately(t *testing.T) {
	svc, tasks, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x"})

	prior, _, err := tasks.Enqueue(ctx, domain.GenerationRequest{EpisodeID: "ep-1", ScriptOverride: "x"}, "proj-1", 3, "", nil)
	if err != nil {
		t.Fatalf("enqueue prior: %v", err)
	}
	prior.Stages = map[domain.Stage]*domain.StageResult{
		domain.StageScript:     {Stage: domain.StageScript, Succeeded: 1},
		domain.StageCharacter:  {Stage: domain.StageCharacter, Succeeded: 2},
		domain.StageStoryboard: {Stage: domain.StageStoryboard, Succeeded: 3},
		domain.StageRender:     {Stage: domain.StageRender, Succeeded: 3},
		domain.StageVideo:      {Stage: domain.StageVideo, Succeeded: 3},
	}
	if err := tasks.Update(ctx, prior, ""); err != nil {
		t.Fatalf("update prior: %v", err)
	}
	if _, ok, err := tasks.Claim(ctx, "warmup", 60, 10); err != nil || !ok {
		t.Fatalf("drain prior: ok=%v err=%v", ok, err)
	}
	seedEpisode(t, episodes, &domain.Episode{
		ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x", LastTaskID: prior.ID,
	})

	task, _, err := svc.Submit(ctx, domain.GenerationRequest{
		EpisodeID: "ep-1", RegenerateFrom: domain.StageVoice,
	}, "proj-1", "")
	if err != nil {
		t.Fatalf("submit partial: %v", err)
	}

	// A worker claiming the instant the submit returns must already see the
	// reused stage results in the record.
	claimed, ok, err := tasks.Claim(ctx, "worker-1", 60, 10)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.ID != task.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, task.ID)
	}
	for _, st := range []domain.Stage{domain.StageScript, domain.StageCharacter, domain.StageStoryboard, domain.StageRender, domain.StageVideo} {
		if claimed.Stages[st] == nil {
			t.Fatalf("stage %s missing at claim: %v", st, claimed.Stages)
		}
	}
}

func TestSubmitCountsCreatedTasksOnce(t *testing.T) {
	svc, _, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x"})

	before := testutil.ToFloat64(metrics.TaskCreatedTotal)
	if _, _, err := svc.Submit(ctx, domain.GenerationRequest{EpisodeID: "ep-1"}, "proj-1", "count-key"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := svc.Submit(ctx, domain.GenerationRequest{EpisodeID: "ep-1"}, "proj-1", "count-key"); err != nil {
		t.Fatalf("repeat submit: %v", err)
	}
	if got := testutil.ToFloat64(metrics.TaskCreatedTotal) - before; got != 1 {
		t.Fatalf("created counter advanced by %v, want 1", got)
	}
}

func TestSubmitPartialWithoutPriorRunFails(t *testing.T) {
	svc, _, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x"})

	_, _, err := svc.Submit(ctx, domain.GenerationRequest{
		EpisodeID: "ep-1", RegenerateFrom: domain.StageRender,
	}, "proj-1", "")
	if err == nil || !strings.Contains(err.Error(), "no prior run") {
		t.Fatalf("err = %v, want no-prior-run error", err)
	}
}

func TestResultRequiresCompletion(t *testing.T) {
	svc, tasks, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x"})

	task, _, err := svc.Submit(ctx, domain.GenerationRequest{EpisodeID: "ep-1"}, "proj-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Result(ctx, task.ID); !errors.Is(err, ErrNotCompleted) {
		t.Fatalf("err = %v, want ErrNotCompleted", err)
	}

	claimed, _, err := tasks.Claim(ctx, "worker-1", 60, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	claimed.FinalVideoPath = "t/final/episode.mp4"
	claimed.EstimatedDuration = 42
	claimed.Stages = map[domain.Stage]*domain.StageResult{
		domain.StageRender: {Stage: domain.StageRender, Succeeded: 5, Failed: 1},
	}
	if err := tasks.Complete(ctx, claimed, claimed.WorkerID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, err := svc.Result(ctx, task.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !strings.HasPrefix(res.VideoURL, "file://") {
		t.Fatalf("videoUrl = %q, want presigned url", res.VideoURL)
	}
	if res.EstimatedDuration != 42 {
		t.Fatalf("estimatedDuration = %d", res.EstimatedDuration)
	}
	if res.Stages[domain.StageRender].Failed != 1 {
		t.Fatalf("stage summary = %+v", res.Stages[domain.StageRender])
	}
}

func TestStatusView(t *testing.T) {
	svc, _, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x"})

	task, _, err := svc.Submit(ctx, domain.GenerationRequest{EpisodeID: "ep-1"}, "proj-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	st, err := svc.Status(ctx, task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != domain.StatusPending || st.OverallProgress != 0 {
		t.Fatalf("status = %+v", st)
	}
	if _, err := svc.Status(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelPendingTask(t *testing.T) {
	svc, _, episodes := setupTaskService(t)
	ctx := context.Background()
	seedEpisode(t, episodes, &domain.Episode{ID: "ep-1", ProjectID: "proj-1", ScriptInput: "x"})

	task, _, err := svc.Submit(ctx, domain.GenerationRequest{EpisodeID: "ep-1"}, "proj-1", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if _, err := svc.Cancel(ctx, task.ID); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("second cancel err = %v, want ErrNotCancelable", err)
	}
}
