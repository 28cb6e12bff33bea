// Package edgetts adapts an edge-tts HTTP sidecar as a speech capability
// provider. The sidecar wraps Microsoft Edge neural voices; no API key is
// required.
package edgetts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mangaforge/mangaforge/pkg/capability"
)

const providerName = "edge_tts"

const (
	defaultEndpoint = "http://127.0.0.1:5050"
	defaultVoice    = "ja-JP-NanamiNeural"
)

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
	return &Provider{cfg: cfg, client: &http.Client{Timeout: 120 * time.Second}}
}

func (p *Provider) Kind() capability.Kind { return capability.KindSpeech }
func (p *Provider) Name() string          { return providerName }

func (p *Provider) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/health", nil)
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/voices", nil)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var voices []struct {
		ShortName string `json:"ShortName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&voices); err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	names := make([]string, 0, len(voices))
	for _, v := range voices {
		names = append(names, v.ShortName)
	}
	return names, nil
}

func (p *Provider) Generate(ctx context.Context, req capability.SpeechRequest) (*capability.SpeechOutput, error) {
	if req.Text == "" {
		return nil, capability.NewError(providerName, capability.ClassBadInput, "empty text")
	}
	if len(req.ReferenceAudio) > 0 {
		return nil, capability.NewError(providerName, capability.ClassBadInput, "voice cloning is not supported")
	}
	voice := req.VoiceID
	if voice == "" {
		voice = defaultVoice
	}
	payload := map[string]any{
		"text":  req.Text,
		"voice": voice,
	}
	if req.Speed != 0 && req.Speed != 1.0 {
		// The sidecar takes rate as a signed percent offset.
		payload["rate"] = fmt.Sprintf("%+d%%", int((req.Speed-1.0)*100))
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+"/synthesize", bytes.NewReader(b))
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
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
	return &capability.SpeechOutput{Audio: audio, Format: "mp3"}, nil
}

func statusError(resp *http.Response) *capability.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	class := capability.ClassInternal
	if resp.StatusCode == http.StatusTooManyRequests {
		class = capability.ClassRateLimit
	} else if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		class = capability.ClassBadInput
	}
	return capability.NewError(providerName, class, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
}
