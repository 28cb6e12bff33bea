// Package kling adapts the Kling image-to-video API as a video capability
// provider. Generation is asynchronous: a task is submitted and the clip URL
// is polled until the job succeeds.
package kling

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

const providerName = "kling"

const (
	defaultEndpoint = "https://api.klingai.com/v1"
	defaultModel    = "kling-v1-6"
	maxClipSeconds  = 5
	pollInterval    = 5 * time.Second
)

// movementPrompts translates abstract camera directions into the motion
// phrasing the model responds to.
var movementPrompts = map[capability.CameraMovement]string{
	capability.CameraStatic:   "static camera, fixed shot",
	capability.CameraPanLeft:  "camera slowly pans left",
	capability.CameraPanRight: "camera slowly pans right",
	capability.CameraPanUp:    "camera slowly tilts up",
	capability.CameraPanDown:  "camera slowly tilts down",
	capability.CameraZoomIn:   "camera slowly zooms in",
	capability.CameraZoomOut:  "camera slowly zooms out",
}

func init() {
	capability.Register(capability.KindVideo, providerName, func(cfg capability.ProviderConfig) (capability.Provider, error) {
		if cfg.APIKey == "" {
			return nil, capability.NewError(providerName, capability.ClassAuth, "missing API key")
		}
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
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: 600 * time.Second}}
}

func (p *Provider) Kind() capability.Kind { return capability.KindVideo }
func (p *Provider) Name() string          { return providerName }
func (p *Provider) MaxDuration() int      { return maxClipSeconds }

func (p *Provider) CheckHealth(ctx context.Context) bool {
	resp, err := p.do(ctx, http.MethodGet, "/account/costs", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	return []string{"kling-v1", "kling-v1-5", "kling-v1-6"}, nil
}

func (p *Provider) Generate(ctx context.Context, req capability.VideoRequest) (*capability.VideoOutput, error) {
	if len(req.Image) == 0 {
		return nil, capability.NewError(providerName, capability.ClassBadInput, "missing source image")
	}
	duration := req.Duration
	if duration <= 0 || duration > maxClipSeconds {
		duration = maxClipSeconds
	}
	prompt := req.Prompt
	if phrase, ok := movementPrompts[req.CameraMovement]; ok && phrase != "" {
		if prompt != "" {
			prompt += ", "
		}
		prompt += phrase
	}

	payload := map[string]any{
		"model_name": p.cfg.Model,
		"image":      base64.StdEncoding.EncodeToString(req.Image),
		"prompt":     prompt,
		"duration":   fmt.Sprintf("%d", duration),
		"mode":       "std",
	}
	if req.AspectRatio != "" {
		payload["aspect_ratio"] = req.AspectRatio
	}
	resp, err := p.do(ctx, http.MethodPost, "/videos/image2video", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp)
	}
	var created struct {
		Data struct {
			TaskID string `json:"task_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	if created.Data.TaskID == "" {
		return nil, capability.NewError(providerName, capability.ClassInternal, "submit returned no task id")
	}

	videoURL, clipDuration, err := p.await(ctx, created.Data.TaskID)
	if err != nil {
		return nil, err
	}
	data, err := p.download(ctx, videoURL)
	if err != nil {
		return nil, err
	}
	if clipDuration <= 0 {
		clipDuration = float64(duration)
	}
	return &capability.VideoOutput{Video: data, Duration: clipDuration}, nil
}

func (p *Provider) await(ctx context.Context, taskID string) (string, float64, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", 0, capability.WrapError(providerName, ctx.Err())
		case <-ticker.C:
		}

		resp, err := p.do(ctx, http.MethodGet, "/videos/image2video/"+taskID, nil)
		if err != nil {
			return "", 0, err
		}
		if resp.StatusCode != http.StatusOK {
			err := p.statusError(resp)
			resp.Body.Close()
			return "", 0, err
		}
		var status struct {
			Data struct {
				TaskStatus    string `json:"task_status"`
				TaskStatusMsg string `json:"task_status_msg"`
				TaskResult    struct {
					Videos []struct {
						URL      string `json:"url"`
						Duration string `json:"duration"`
					} `json:"videos"`
				} `json:"task_result"`
			} `json:"data"`
		}
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			return "", 0, capability.WrapError(providerName, err)
		}
		switch status.Data.TaskStatus {
		case "succeed":
			videos := status.Data.TaskResult.Videos
			if len(videos) == 0 {
				return "", 0, capability.NewError(providerName, capability.ClassInternal, "task succeeded with no video")
			}
			var d float64
			fmt.Sscanf(videos[0].Duration, "%f", &d)
			return videos[0].URL, d, nil
		case "failed":
			return "", 0, capability.NewError(providerName, capability.ClassInternal, "generation failed: "+status.Data.TaskStatusMsg)
		}
	}
}

func (p *Provider) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, capability.NewError(providerName, capability.ClassNetwork, fmt.Sprintf("download HTTP %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

func (p *Provider) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, capability.WrapError(providerName, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.Endpoint+path, body)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	return resp, nil
}

func (p *Provider) statusError(resp *http.Response) *capability.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	class := capability.ClassInternal
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		class = capability.ClassAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		class = capability.ClassRateLimit
	case resp.StatusCode == http.StatusPaymentRequired:
		class = capability.ClassQuota
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		class = capability.ClassBadInput
	}
	return capability.NewError(providerName, class, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
}
