package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"

	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/config"
)

type appStubText struct{}

func (appStubText) Kind() capability.Kind                            { return capability.KindText }
func (appStubText) Name() string                                     { return "appstub" }
func (appStubText) CheckHealth(ctx context.Context) bool             { return true }
func (appStubText) ListModels(ctx context.Context) ([]string, error) { return []string{"m1"}, nil }
func (appStubText) Generate(ctx context.Context, req capability.TextRequest) (*capability.TextOutput, error) {
	return &capability.TextOutput{Content: "{}"}, nil
}
func (appStubText) GenerateStream(ctx context.Context, req capability.TextRequest) (<-chan capability.StreamChunk, error) {
	ch := make(chan capability.StreamChunk)
	close(ch)
	return ch, nil
}

func init() {
	capability.Register(capability.KindText, "appstub", func(capability.ProviderConfig) (capability.Provider, error) {
		return appStubText{}, nil
	})
}

func newTestApp(t *testing.T) *Application {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	cfg := &config.Config{
		Env:                 "test",
		Timezone:            "UTC",
		LogLevel:            "error",
		LogFormat:           "json",
		RedisAddr:           mr.Addr(),
		WorkerCount:         1,
		TaskTimeoutSeconds:  60,
		DefaultLeaseSeconds: 60,
		RequeueInspectLimit: 50,
		MaxAttemptsDefault:  3,
		RetentionHours:      1,
		Storage:             config.StorageConfig{Backend: "local", LocalDir: t.TempDir()},
		Compose:             config.ComposeConfig{FFmpegPath: "ffmpeg", WorkDir: t.TempDir()},
		Capabilities: config.CapabilityConfig{
			Defaults: map[string]string{"text": "appstub"},
		},
	}

	application, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("init app: %v", err)
	}
	SetupMappings(application)
	return application
}

func doJSON(t *testing.T, application *Application, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-Id", "it-user")
	w := httptest.NewRecorder()
	application.Engine.ServeHTTP(w, req)
	return w
}

func TestSubmitStatusCancelFlow(t *testing.T) {
	application := newTestApp(t)

	w := doJSON(t, application, http.MethodPost, "/v1/mangaforge/projects/proj-1/episodes", map[string]any{
		"title":       "Episode 1",
		"scriptInput": "a hero awakens",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create episode: %d %s", w.Code, w.Body.String())
	}
	var ep struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &ep); err != nil {
		t.Fatalf("decode episode: %v", err)
	}

	w = doJSON(t, application, http.MethodPost, "/v1/mangaforge/tasks", map[string]any{
		"episodeId": ep.ID,
		"projectId": "proj-1",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("submit: %d %s", w.Code, w.Body.String())
	}
	var task struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}

	w = doJSON(t, application, http.MethodGet, "/v1/mangaforge/tasks/"+task.ID+"/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "pending" {
		t.Fatalf("status = %q, want pending", status.Status)
	}

	w = doJSON(t, application, http.MethodGet, "/v1/mangaforge/tasks/"+task.ID+"/result", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("result before completion: %d, want 409", w.Code)
	}

	w = doJSON(t, application, http.MethodPost, "/v1/mangaforge/tasks/"+task.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, application, http.MethodPost, "/v1/mangaforge/tasks/"+task.ID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d, want 409", w.Code)
	}
}

func TestProvidersEndpoints(t *testing.T) {
	application := newTestApp(t)

	w := doJSON(t, application, http.MethodGet, "/v1/mangaforge/providers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("kinds: %d", w.Code)
	}

	w = doJSON(t, application, http.MethodGet, "/v1/mangaforge/providers/text", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	var list struct {
		Providers []struct {
			Name    string `json:"name"`
			Default bool   `json:"default"`
		} `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	foundDefault := false
	for _, p := range list.Providers {
		if p.Name == "appstub" && p.Default {
			foundDefault = true
		}
	}
	if !foundDefault {
		t.Fatalf("appstub not listed as default: %+v", list.Providers)
	}

	w = doJSON(t, application, http.MethodGet, "/v1/mangaforge/providers/text/appstub/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, application, http.MethodGet, "/v1/mangaforge/providers/bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bogus kind: %d, want 400", w.Code)
	}
}

func TestUserConfigEndpoints(t *testing.T) {
	application := newTestApp(t)

	w := doJSON(t, application, http.MethodPut, "/v1/mangaforge/configs/text", map[string]any{
		"provider": "appstub",
		"apiKey":   "sk-secret",
		"priority": 10,
		"active":   true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("save config: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, application, http.MethodGet, "/v1/mangaforge/configs/text", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list configs: %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("sk-secret")) {
		t.Fatal("api key leaked in config listing")
	}

	w = doJSON(t, application, http.MethodDelete, "/v1/mangaforge/configs/text/appstub", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete config: %d %s", w.Code, w.Body.String())
	}
}
