// Package anthropic adapts the Anthropic messages API as a text capability
// provider.
package anthropic

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

const providerName = "anthropic"

const (
	defaultEndpoint = "https://api.anthropic.com/v1"
	defaultModel    = "claude-sonnet-4-20250514"
	apiVersion      = "2023-06-01"
)

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
	models, err := p.ListModels(ctx)
	return err == nil && len(models) > 0
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

type messagesRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []capability.Message `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float64              `json:"temperature,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

// splitSystem pulls system turns out of the message list; the messages API
// carries them in a dedicated field.
func splitSystem(messages []capability.Message) (string, []capability.Message) {
	var system []string
	rest := make([]capability.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

func (p *Provider) Generate(ctx context.Context, req capability.TextRequest) (*capability.TextOutput, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	system, messages := splitSystem(req.Messages)
	if req.JSONOnly {
		system = strings.TrimSpace(system + "\nRespond with a single JSON document and nothing else.")
	}
	body := messagesRequest{
		Model:       p.cfg.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	resp, err := p.post(ctx, "/messages", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, capability.NewError(providerName, capability.ClassInternal, "no text content in response")
	}
	return &capability.TextOutput{Content: sb.String(), Model: out.Model}, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req capability.TextRequest) (<-chan capability.StreamChunk, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	system, messages := splitSystem(req.Messages)
	body := messagesRequest{
		Model:       p.cfg.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	resp, err := p.post(ctx, "/messages", body)
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
			var event struct {
				Type  string `json:"type"`
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" {
					select {
					case ch <- capability.StreamChunk{Content: event.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_stop":
				return
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
		req.Header.Set("x-api-key", p.cfg.APIKey)
	}
	req.Header.Set("anthropic-version", apiVersion)
}

func statusError(resp *http.Response) *capability.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = resp.Status
	}
	class := capability.ClassInternal
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		class = capability.ClassAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		class = capability.ClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		class = capability.ClassBadInput
	}
	if strings.Contains(strings.ToLower(msg), "credit") || strings.Contains(strings.ToLower(msg), "quota") {
		class = capability.ClassQuota
	}
	return capability.NewError(providerName, class, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg))
}
