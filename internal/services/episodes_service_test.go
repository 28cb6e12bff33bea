package services

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/mangaforge/mangaforge/internal/repository"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

func setupEpisodeService(t *testing.T) EpisodeService {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewEpisodeService(repository.NewEpisodeRepository(rdb))
}

func TestEpisodeCreateAssignsID(t *testing.T) {
	svc := setupEpisodeService(t)
	ctx := context.Background()

	ep, err := svc.Create(ctx, &domain.Episode{ProjectID: "proj-1", Title: "Episode 1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ep.ID == "" {
		t.Fatal("expected generated id")
	}
	if ep.Status != "draft" {
		t.Fatalf("status = %q, want draft", ep.Status)
	}

	if _, err := svc.Create(ctx, &domain.Episode{ProjectID: "proj-1"}); err == nil {
		t.Fatal("expected error for empty episode")
	}
}

func TestEpisodeUpdatePreservesPipelineFields(t *testing.T) {
	svc := setupEpisodeService(t)
	ctx := context.Background()

	ep, err := svc.Create(ctx, &domain.Episode{ProjectID: "proj-1", Title: "Episode 1", ScriptInput: "v1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ep.Status = "completed"
	ep.VideoPath = "t-1/final/episode.mp4"
	ep.LastTaskID = "t-1"
	if _, err := svc.Update(ctx, ep); err != nil {
		t.Fatalf("update: %v", err)
	}

	edited, err := svc.Update(ctx, &domain.Episode{
		ID: ep.ID, ProjectID: "proj-1", Title: "Episode 1 (revised)", ScriptInput: "v2",
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.ScriptInput != "v2" {
		t.Fatalf("scriptInput = %q", edited.ScriptInput)
	}
	if edited.VideoPath != "t-1/final/episode.mp4" || edited.LastTaskID != "t-1" {
		t.Fatalf("pipeline fields lost: %+v", edited)
	}
	if edited.Status != "completed" {
		t.Fatalf("status = %q", edited.Status)
	}
}

func TestEpisodeListAndDelete(t *testing.T) {
	svc := setupEpisodeService(t)
	ctx := context.Background()

	for _, title := range []string{"One", "Two"} {
		if _, err := svc.Create(ctx, &domain.Episode{ProjectID: "proj-1", Title: title}); err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
	}
	eps, err := svc.List(ctx, "proj-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("len = %d, want 2", len(eps))
	}

	if err := svc.Delete(ctx, "proj-1", eps[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	eps, err = svc.List(ctx, "proj-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(eps) != 1 {
		t.Fatalf("len = %d, want 1", len(eps))
	}
}
