// Package sadtalker adapts a SadTalker inference server as a lipsync
// capability provider: a portrait image plus a speech track yields a talking
// head clip.
package sadtalker

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

const providerName = "sadtalker"

const defaultEndpoint = "http://127.0.0.1:7860"

func init() {
	capability.Register(capability.KindLipsync, providerName, func(cfg capability.ProviderConfig) (capability.Provider, error) {
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
	return &Provider{cfg: cfg, client: &http.Client{Timeout: 600 * time.Second}}
}

func (p *Provider) Kind() capability.Kind { return capability.KindLipsync }
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
	return []string{"sadtalker-v0.0.2"}, nil
}

func (p *Provider) Generate(ctx context.Context, req capability.LipsyncRequest) (*capability.LipsyncOutput, error) {
	if len(req.Image) == 0 {
		return nil, capability.NewError(providerName, capability.ClassBadInput, "missing portrait image")
	}
	if len(req.Audio) == 0 {
		return nil, capability.NewError(providerName, capability.ClassBadInput, "missing audio track")
	}
	payload := map[string]any{
		"source_image": base64.StdEncoding.EncodeToString(req.Image),
		"driven_audio": base64.StdEncoding.EncodeToString(req.Audio),
		"preprocess":   "crop",
		"enhancer":     "",
		"still_mode":   req.StillMode,
	}
	if req.EnhanceFace {
		payload["enhancer"] = "gfpgan"
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+"/generate", bytes.NewReader(b))
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
	var result struct {
		Video    string  `json:"video"`
		Duration float64 `json:"duration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	if result.Video == "" {
		return nil, capability.NewError(providerName, capability.ClassInternal, "generation returned no video")
	}
	video, err := base64.StdEncoding.DecodeString(result.Video)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	return &capability.LipsyncOutput{Video: video, Duration: result.Duration}, nil
}

func statusError(resp *http.Response) *capability.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	class := capability.ClassInternal
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		class = capability.ClassBadInput
	}
	return capability.NewError(providerName, class, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
}
