// Package openai adapts the OpenAI chat completions API (and any
// API-compatible gateway) as a text capability provider.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mangaforge/mangaforge/pkg/capability"
)

const providerName = "openai"

const defaultEndpoint = "https://api.openai.com/v1"
const defaultModel = "gpt-4o-mini"

func init() {
	capability.Register(capability.KindText, providerName, func(cfg capability.ProviderConfig) (capability.Provider, error) {
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
	return &Provider{cfg: cfg, client: &http.Client{Timeout: 120 * time.Second}}
}

func (p *Provider) Kind() capability.Kind { return capability.KindText }
func (p *Provider) Name() string          { return providerName }

func (p *Provider) CheckHealth(ctx context.Context) bool {
	_, err := p.ListModels(ctx)
	return err == nil
}

func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/models", nil)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	models := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []capability.Message `json:"messages"`
	Temperature    float64              `json:"temperature,omitempty"`
	MaxTokens      int                  `json:"max_tokens,omitempty"`
	Stream         bool                 `json:"stream,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

func (p *Provider) Generate(ctx context.Context, req capability.TextRequest) (*capability.TextOutput, error) {
	body := chatRequest{
		Model:       p.cfg.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONOnly {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	if len(out.Choices) == 0 {
		return nil, capability.NewError(providerName, capability.ClassInternal, "empty choices in response")
	}
	return &capability.TextOutput{Content: out.Choices[0].Message.Content, Model: out.Model}, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req capability.TextRequest) (<-chan capability.StreamChunk, error) {
	body := chatRequest{
		Model:       p.cfg.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	ch := make(chan capability.StreamChunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Content string `json:"content"`
					} `json:"delta"`
				} `json:"choices"`
			}
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				select {
				case ch <- capability.StreamChunk{Content: chunk.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- capability.StreamChunk{Err: capability.WrapError(providerName, err)}
		}
	}()
	return ch, nil
}

func (p *Provider) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+path, bytes.NewReader(b))
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	return resp, nil
}

func (p *Provider) authorize(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

func statusError(resp *http.Response) *capability.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	return capability.NewError(providerName, classForStatus(resp.StatusCode), fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg))
}

func classForStatus(code int) capability.ErrorClass {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return capability.ClassAuth
	case code == http.StatusTooManyRequests:
		return capability.ClassRateLimit
	case code == http.StatusPaymentRequired:
		return capability.ClassQuota
	case code >= 400 && code < 500:
		return capability.ClassBadInput
	default:
		return capability.ClassInternal
	}
}
