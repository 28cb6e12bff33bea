// Package pipeline runs the eight-stage episode generation flow: script,
// character, storyboard, render, video, voice, lipsync, edit. Each stage is an
// ordered list of named steps over a shared scratch state; stages two through
// seven isolate per-item provider failures, the first and last are fatal on
// any step failure.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mangaforge/mangaforge/internal/compose"
	"github.com/mangaforge/mangaforge/internal/metrics"
	"github.com/mangaforge/mangaforge/internal/storage"
	"github.com/mangaforge/mangaforge/internal/tracing"
	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/domain"
)

// Pipeline holds the collaborators every stage needs. It is safe for
// concurrent use by multiple workers; all per-run state lives in the state
// struct.
type Pipeline struct {
	registry *capability.Registry
	store    storage.Store
	composer compose.Composer
	workDir  string
	logger   *slog.Logger
}

func New(registry *capability.Registry, store storage.Store, composer compose.Composer, workDir string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry: registry,
		store:    store,
		composer: composer,
		workDir:  workDir,
		logger:   logger,
	}
}

// state is the scratch record shared by the stages of one run. Each stage
// reads the outputs of earlier stages and appends its own.
type state struct {
	task *domain.GenerationTask
	req  domain.GenerationRequest

	script     *domain.Script
	characters []domain.CharacterDef
	storyboard []domain.Shot
	rendered   []domain.RenderedShot
	videos     []domain.ShotVideo
	audio      []domain.ShotAudio
	lipsync    []domain.LipsyncClip

	finalVideo        string
	clipCount         int
	hasSubtitle       bool
	estimatedDuration int
}

// reporter publishes stage-local progress (0-100) while a stage runs.
type reporter func(progress int, message string, details map[string]any)

func nopReporter(int, string, map[string]any) {}

// step is one named unit of stage work.
type step struct {
	name string
	run  func(ctx context.Context, st *state) error
}

func (p *Pipeline) runSteps(ctx context.Context, st *state, steps []step) error {
	for _, s := range steps {
		if err := s.run(ctx, st); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// chainFor resolves the provider chain for a kind. A non-empty override pins
// the chain to that single provider.
func (p *Pipeline) chainFor(ctx context.Context, userID string, kind capability.Kind, override string) ([]capability.Provider, error) {
	if override != "" {
		prov, err := p.registry.Create(kind, override, nil)
		if err != nil {
			return nil, err
		}
		return []capability.Provider{prov}, nil
	}
	return p.registry.Chain(ctx, userID, kind)
}

// callProvider runs fn through the fallback chain with per-call tracing and
// metrics. The winning output is returned; a non-retryable failure or an
// exhausted chain surfaces as the error.
func callProvider[P capability.Provider, T any](ctx context.Context, kind capability.Kind, providers []P, fn func(context.Context, P) (T, error)) (T, error) {
	out, _, err := capability.Call(ctx, providers, func(ctx context.Context, prov P) (T, error) {
		cctx, span := tracing.StartProviderSpan(ctx, string(kind), prov.Name())
		defer span.End()

		o, err := fn(cctx, prov)
		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			if class := capability.ClassOf(err); class.Retryable() {
				metrics.FallbackAdvancesTotal.WithLabelValues(string(kind), string(class)).Inc()
			}
		}
		metrics.ProviderCallsTotal.WithLabelValues(string(kind), prov.Name(), outcome).Inc()
		return o, err
	})
	return out, err
}

func (p *Pipeline) generateText(ctx context.Context, st *state, req capability.TextRequest) (*capability.TextOutput, error) {
	providers, err := p.chainFor(ctx, st.req.UserID, capability.KindText, st.req.TextProvider)
	if err != nil {
		return nil, err
	}
	chain, err := capability.TextChain(providers)
	if err != nil {
		return nil, err
	}
	return callProvider(ctx, capability.KindText, chain, func(ctx context.Context, tp capability.TextProvider) (*capability.TextOutput, error) {
		return tp.Generate(ctx, req)
	})
}

func (p *Pipeline) generateImage(ctx context.Context, st *state, req capability.ImageRequest) (*capability.ImageOutput, error) {
	providers, err := p.chainFor(ctx, st.req.UserID, capability.KindImage, "")
	if err != nil {
		return nil, err
	}
	chain, err := capability.ImageChain(providers)
	if err != nil {
		return nil, err
	}
	return callProvider(ctx, capability.KindImage, chain, func(ctx context.Context, ip capability.ImageProvider) (*capability.ImageOutput, error) {
		return ip.Generate(ctx, req)
	})
}

func (p *Pipeline) generateVideo(ctx context.Context, st *state, req capability.VideoRequest) (*capability.VideoOutput, error) {
	providers, err := p.chainFor(ctx, st.req.UserID, capability.KindVideo, "")
	if err != nil {
		return nil, err
	}
	chain, err := capability.VideoChain(providers)
	if err != nil {
		return nil, err
	}
	return callProvider(ctx, capability.KindVideo, chain, func(ctx context.Context, vp capability.VideoProvider) (*capability.VideoOutput, error) {
		// Each provider in the chain gets the request capped to its own
		// clip-length limit.
		r := req
		if limit := vp.MaxDuration(); limit > 0 && r.Duration > limit {
			r.Duration = limit
		}
		return vp.Generate(ctx, r)
	})
}

func (p *Pipeline) generateSpeech(ctx context.Context, st *state, req capability.SpeechRequest) (*capability.SpeechOutput, error) {
	providers, err := p.chainFor(ctx, st.req.UserID, capability.KindSpeech, "")
	if err != nil {
		return nil, err
	}
	chain, err := capability.SpeechChain(providers)
	if err != nil {
		return nil, err
	}
	return callProvider(ctx, capability.KindSpeech, chain, func(ctx context.Context, sp capability.SpeechProvider) (*capability.SpeechOutput, error) {
		return sp.Generate(ctx, req)
	})
}

func (p *Pipeline) generateLipsync(ctx context.Context, st *state, req capability.LipsyncRequest) (*capability.LipsyncOutput, error) {
	providers, err := p.chainFor(ctx, st.req.UserID, capability.KindLipsync, "")
	if err != nil {
		return nil, err
	}
	chain, err := capability.LipsyncChain(providers)
	if err != nil {
		return nil, err
	}
	return callProvider(ctx, capability.KindLipsync, chain, func(ctx context.Context, lp capability.LipsyncProvider) (*capability.LipsyncOutput, error) {
		return lp.Generate(ctx, req)
	})
}

// assetPath builds the object key for a generated asset, grouped by episode
// and asset type.
func (st *state) assetPath(assetType, filename string) string {
	episode := st.req.EpisodeID
	if episode == "" {
		episode = st.task.ID
	}
	return fmt.Sprintf("%s/%s/%s", episode, assetType, filename)
}

func itemID(sceneID, shotID int) string {
	return fmt.Sprintf("%d:%d", sceneID, shotID)
}

// decodeJSONOutput unmarshals a model response into v, tolerating markdown
// code fences around the document.
func decodeJSONOutput(content string, v any) error {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	if start := strings.Index(text, "{"); start > 0 {
		text = text[start:]
	}
	return json.Unmarshal([]byte(text), v)
}

func stageTimer(stage domain.Stage) func(status string) {
	start := time.Now()
	return func(status string) {
		metrics.StageDurationSeconds.WithLabelValues(string(stage), status).Observe(time.Since(start).Seconds())
	}
}
