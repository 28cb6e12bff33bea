// Package comfyui adapts a ComfyUI workflow server as an image capability
// provider. Jobs are queued via /prompt and the result is polled from
// /history until the workflow finishes.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mangaforge/mangaforge/pkg/capability"
)

const providerName = "comfyui"

const (
	defaultEndpoint = "http://127.0.0.1:8188"
	defaultModel    = "sd_xl_base_1.0.safetensors"
	pollInterval    = 2 * time.Second
)

func init() {
	capability.Register(capability.KindImage, providerName, func(cfg capability.ProviderConfig) (capability.Provider, error) {
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
	timeout := 300 * time.Second
	if v, ok := cfg.Settings["timeout"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (p *Provider) Kind() capability.Kind { return capability.KindImage }
func (p *Provider) Name() string          { return providerName }

func (p *Provider) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/system_stats", nil)
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/object_info/CheckpointLoaderSimple", nil)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	// The node info nests available checkpoints under input.required.ckpt_name[0].
	var body map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	for _, node := range body {
		if raw, ok := node.Input.Required["ckpt_name"]; ok && len(raw) > 0 {
			var names []string
			if err := json.Unmarshal(raw[0], &names); err == nil {
				return names, nil
			}
		}
	}
	return nil, nil
}

func (p *Provider) Generate(ctx context.Context, req capability.ImageRequest) (*capability.ImageOutput, error) {
	if req.Prompt == "" {
		return nil, capability.NewError(providerName, capability.ClassBadInput, "empty prompt")
	}
	workflow := p.buildWorkflow(req)

	b, err := json.Marshal(map[string]any{"prompt": workflow})
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint+"/prompt", bytes.NewReader(b))
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
		return nil, httpError(resp)
	}
	var queued struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	if queued.PromptID == "" {
		return nil, capability.NewError(providerName, capability.ClassInternal, "queue returned no prompt id")
	}
	return p.awaitImages(ctx, queued.PromptID, req.Seed)
}

// buildWorkflow assembles the minimal txt2img graph: checkpoint -> CLIP
// encode (positive/negative) -> sampler -> VAE decode -> save. A LoRA node is
// spliced in when the request carries a character consistency adapter.
func (p *Provider) buildWorkflow(req capability.ImageRequest) map[string]any {
	width, height := req.Width, req.Height
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 1024
	}
	steps := req.Steps
	if steps <= 0 {
		steps = 25
	}
	cfgScale := req.CFGScale
	if cfgScale <= 0 {
		cfgScale = 7.0
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = 1
	}
	seed := req.Seed
	if seed <= 0 {
		seed = time.Now().UnixNano() % (1 << 31)
	}

	modelSource := []any{"4", 0}
	clipSource := []any{"4", 1}
	nodes := map[string]any{
		"4": map[string]any{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]any{"ckpt_name": p.cfg.Model},
		},
	}
	if req.LoraName != "" {
		nodes["10"] = map[string]any{
			"class_type": "LoraLoader",
			"inputs": map[string]any{
				"lora_name":      req.LoraName,
				"strength_model": 0.8,
				"strength_clip":  0.8,
				"model":          []any{"4", 0},
				"clip":           []any{"4", 1},
			},
		}
		modelSource = []any{"10", 0}
		clipSource = []any{"10", 1}
	}
	nodes["6"] = map[string]any{
		"class_type": "CLIPTextEncode",
		"inputs":     map[string]any{"text": req.Prompt, "clip": clipSource},
	}
	nodes["7"] = map[string]any{
		"class_type": "CLIPTextEncode",
		"inputs":     map[string]any{"text": req.NegativePrompt, "clip": clipSource},
	}
	nodes["5"] = map[string]any{
		"class_type": "EmptyLatentImage",
		"inputs":     map[string]any{"width": width, "height": height, "batch_size": batch},
	}
	nodes["3"] = map[string]any{
		"class_type": "KSampler",
		"inputs": map[string]any{
			"seed":         seed,
			"steps":        steps,
			"cfg":          cfgScale,
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1.0,
			"model":        modelSource,
			"positive":     []any{"6", 0},
			"negative":     []any{"7", 0},
			"latent_image": []any{"5", 0},
		},
	}
	nodes["8"] = map[string]any{
		"class_type": "VAEDecode",
		"inputs":     map[string]any{"samples": []any{"3", 0}, "vae": []any{"4", 2}},
	}
	nodes["9"] = map[string]any{
		"class_type": "SaveImage",
		"inputs":     map[string]any{"filename_prefix": "mangaforge", "images": []any{"8", 0}},
	}
	return nodes
}

func (p *Provider) awaitImages(ctx context.Context, promptID string, seed int64) (*capability.ImageOutput, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, capability.WrapError(providerName, ctx.Err())
		case <-ticker.C:
		}

		outputs, done, err := p.history(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if !done {
			continue
		}
		if len(outputs) == 0 {
			return nil, capability.NewError(providerName, capability.ClassInternal, "workflow finished with no images")
		}
		images := make([][]byte, 0, len(outputs))
		seeds := make([]int64, 0, len(outputs))
		for _, ref := range outputs {
			data, err := p.view(ctx, ref)
			if err != nil {
				return nil, err
			}
			images = append(images, data)
			seeds = append(seeds, seed)
		}
		return &capability.ImageOutput{Images: images, Seeds: seeds}, nil
	}
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

func (p *Provider) history(ctx context.Context, promptID string) ([]imageRef, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/history/"+promptID, nil)
	if err != nil {
		return nil, false, capability.WrapError(providerName, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, false, capability.WrapError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, httpError(resp)
	}
	var body map[string]struct {
		Outputs map[string]struct {
			Images []imageRef `json:"images"`
		} `json:"outputs"`
		Status struct {
			Completed bool   `json:"completed"`
			StatusStr string `json:"status_str"`
		} `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, capability.WrapError(providerName, err)
	}
	entry, ok := body[promptID]
	if !ok {
		return nil, false, nil
	}
	if entry.Status.StatusStr == "error" {
		return nil, false, capability.NewError(providerName, capability.ClassInternal, "workflow execution failed")
	}
	if !entry.Status.Completed {
		return nil, false, nil
	}
	var refs []imageRef
	for _, out := range entry.Outputs {
		refs = append(refs, out.Images...)
	}
	return refs, true, nil
}

func (p *Provider) view(ctx context.Context, ref imageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, capability.WrapError(providerName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	return io.ReadAll(resp.Body)
}

func httpError(resp *http.Response) *capability.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	class := capability.ClassInternal
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		class = capability.ClassBadInput
	}
	return capability.NewError(providerName, class, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
}
