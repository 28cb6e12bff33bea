// Package fishspeech adapts a Fish-Speech inference server as a speech
// capability provider with zero-shot voice cloning from a reference sample.
package fishspeech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mangaforge/mangaforge/pkg/capability"
)

const providerName = "fish_speech"

const defaultEndpoint = "http://127.0.0.1:8080"

func init() {
	capability.Register(capability.KindSpeech, providerName, func(cfg capability.ProviderConfig) (capability.Provider, error) {
		return New(cfg), nil
	})
}

type Provider struct {
	cfg    capability.ProviderConfig
	client *http.Client
}

func New(cfg capability.ProviderConfig) *Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: 300 * time.Second}}
}

func (p *Provider) Kind() capability.Kind { return capability.KindSpeech }
func (p *Provider) Name() string          { return providerName }

func (p *Provider) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"fish-speech-1.5"}, nil
}

func (p *Provider) Generate(ctx context.Context, req capability.SpeechRequest) (*capability.SpeechOutput, error) {
	if req.Text == "" {
		return nil, capability.NewError(providerName, capability.ClassBadInput, "empty text")
	}
	payload := map[string]any{
		"text":   req.Text,
		"format": "wav",
	}
	if req.Speed > 0 && req.Speed != 1.0 {
		payload["speed"] = req.Speed
	}
	if req.Emotion != "" {
		payload["emotion"] = req.Emotion
	}
	if len(req.ReferenceAudio) > 0 {
		// Zero-shot cloning: the reference sample conditions the voice, no
		// separate enrollment step.
		payload["references"] = []map[string]any{
			{"audio": base64.StdEncoding.EncodeToString(req.ReferenceAudio), "text": ""},
		}
	} else if req.VoiceID != "" {
		payload["reference_id"] = req.VoiceID
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+"/v1/tts", bytes.NewReader(b))
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	if len(audio) == 0 {
		return nil, capability.NewError(providerName, capability.ClassInternal, "synthesis returned no audio")
	}
	return &capability.SpeechOutput{Audio: audio, Format: "wav"}, nil
}

func statusError(resp *http.Response) *capability.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	class := capability.ClassInternal
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		class = capability.ClassAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		class = capability.ClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		class = capability.ClassBadInput
	}
	return capability.NewError(providerName, class, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
}
