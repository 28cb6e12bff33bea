package bench

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"

	"github.com/mangaforge/mangaforge/pkg/app"
	"github.com/mangaforge/mangaforge/pkg/config"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

func newBenchApp(b *testing.B) *app.Application {
	b.Helper()
	gin.SetMode(gin.ReleaseMode)

	mr, err := miniredis.Run()
	if err != nil {
		b.Fatalf("miniredis start: %v", err)
	}
	b.Cleanup(mr.Close)

	cfg := &config.Config{
		Env:                 "dev",
		Timezone:            "UTC",
		LogLevel:            "error",
		LogFormat:           "json",
		RedisAddr:           mr.Addr(),
		WorkerCount:         1,
		TaskTimeoutSeconds:  60,
		DefaultLeaseSeconds: 60,
		RequeueInspectLimit: 50,
		MaxAttemptsDefault:  3,
		BackoffPolicy:       "fixed",
		BackoffBaseSeconds:  1,
		BackoffMaxSeconds:   3,
		RetentionHours:      1,
		Storage: config.StorageConfig{
			Backend:  "local",
			LocalDir: b.TempDir(),
		},
		Compose: config.ComposeConfig{
			FFmpegPath: "ffmpeg",
			WorkDir:    b.TempDir(),
		},
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		b.Fatalf("init app: %v", err)
	}
	app.SetupMappings(application)
	return application
}

func seedEpisodes(b *testing.B, application *app.Application, n int) []string {
	b.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ep, err := application.Episodes.Create(context.Background(), &domain.Episode{
			ProjectID:   "bench",
			Title:       fmt.Sprintf("bench-%d", i),
			ScriptInput: "two rivals meet on a rooftop at dawn",
		})
		if err != nil {
			b.Fatalf("seed episode: %v", err)
		}
		ids = append(ids, ep.ID)
	}
	return ids
}

func BenchmarkSubmitTask(b *testing.B) {
	application := newBenchApp(b)
	ids := seedEpisodes(b, application, b.N)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		body, _ := json.Marshal(map[string]any{
			"episodeId": ids[i],
			"projectId": "bench",
		})
		req := httptest.NewRequest(http.MethodPost, "/v1/mangaforge/tasks", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-Id", "bench-user")
		w := httptest.NewRecorder()
		application.Engine.ServeHTTP(w, req)
		if w.Code != http.StatusAccepted {
			b.Fatalf("submit returned %d: %s", w.Code, w.Body.String())
		}
	}
}

func BenchmarkTaskStatus(b *testing.B) {
	application := newBenchApp(b)
	ids := seedEpisodes(b, application, 1)

	task, _, err := application.Tasks.Submit(context.Background(), domain.GenerationRequest{
		EpisodeID: ids[0],
		UserID:    "bench-user",
	}, "bench", "")
	if err != nil {
		b.Fatalf("submit: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/mangaforge/tasks/"+task.ID+"/status", nil)
		w := httptest.NewRecorder()
		application.Engine.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			b.Fatalf("status returned %d", w.Code)
		}
	}
}
