package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mangaforge/mangaforge/internal/repository"
	"github.com/mangaforge/mangaforge/pkg/capability"
)

// ProviderInfo describes one registered provider of a kind.
type ProviderInfo struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Default bool   `json:"default"`
}

// ProviderHealth is the outcome of a reachability probe.
type ProviderHealth struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Healthy bool   `json:"healthy"`
	Latency int64  `json:"latencyMs"`
}

type ProviderService interface {
	Kinds() []capability.Kind
	List(kind capability.Kind) ([]ProviderInfo, error)
	// CheckHealth instantiates the provider with its default config and
	// probes it. Unknown providers fail with an error rather than a false.
	CheckHealth(ctx context.Context, kind capability.Kind, name string) (*ProviderHealth, error)
	ListModels(ctx context.Context, kind capability.Kind, name string) ([]string, error)

	// Per-user provider configuration. Saving or deleting a config evicts
	// the cached provider instance so the next call sees fresh settings.
	SaveUserConfig(ctx context.Context, userID string, kind capability.Kind, cfg capability.ProviderConfig) error
	ListUserConfigs(ctx context.Context, userID string, kind capability.Kind) ([]capability.ProviderConfig, error)
	DeleteUserConfig(ctx context.Context, userID string, kind capability.Kind, provider string) error
}

type providerService struct {
	registry *capability.Registry
	configs  repository.UserConfigRepository
}

func NewProviderService(registry *capability.Registry, configs repository.UserConfigRepository) ProviderService {
	return &providerService{registry: registry, configs: configs}
}

func validKind(kind capability.Kind) bool {
	for _, k := range capability.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *providerService) Kinds() []capability.Kind {
	return capability.Kinds
}

func (s *providerService) List(kind capability.Kind) ([]ProviderInfo, error) {
	if !validKind(kind) {
		return nil, errors.New("unknown capability kind")
	}
	def := s.registry.DefaultProvider(kind)
	names := capability.RegisteredProviders(kind)
	infos := make([]ProviderInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, ProviderInfo{Name: name, Kind: string(kind), Default: name == def})
	}
	return infos, nil
}

func (s *providerService) CheckHealth(ctx context.Context, kind capability.Kind, name string) (*ProviderHealth, error) {
	if !validKind(kind) {
		return nil, errors.New("unknown capability kind")
	}
	p, err := s.registry.Create(kind, name, nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	healthy := p.CheckHealth(ctx)
	return &ProviderHealth{
		Name:    name,
		Kind:    string(kind),
		Healthy: healthy,
		Latency: time.Since(start).Milliseconds(),
	}, nil
}

func (s *providerService) ListModels(ctx context.Context, kind capability.Kind, name string) ([]string, error) {
	if !validKind(kind) {
		return nil, errors.New("unknown capability kind")
	}
	p, err := s.registry.Create(kind, name, nil)
	if err != nil {
		return nil, err
	}
	return p.ListModels(ctx)
}

func (s *providerService) SaveUserConfig(ctx context.Context, userID string, kind capability.Kind, cfg capability.ProviderConfig) error {
	if !validKind(kind) {
		return errors.New("unknown capability kind")
	}
	if strings.TrimSpace(cfg.Provider) == "" {
		return errors.New("provider name is required")
	}
	known := false
	for _, name := range capability.RegisteredProviders(kind) {
		if name == cfg.Provider {
			known = true
			break
		}
	}
	if !known {
		return errors.New("unknown provider " + cfg.Provider)
	}
	if err := s.configs.Save(ctx, userID, kind, cfg); err != nil {
		return err
	}
	s.registry.Invalidate(kind, cfg.Provider)
	return nil
}

func (s *providerService) ListUserConfigs(ctx context.Context, userID string, kind capability.Kind) ([]capability.ProviderConfig, error) {
	if !validKind(kind) {
		return nil, errors.New("unknown capability kind")
	}
	configs, err := s.configs.List(ctx, userID, kind)
	if err != nil {
		return nil, err
	}
	// API keys never leave the service layer.
	for i := range configs {
		configs[i].APIKey = ""
	}
	return configs, nil
}

func (s *providerService) DeleteUserConfig(ctx context.Context, userID string, kind capability.Kind, provider string) error {
	if !validKind(kind) {
		return errors.New("unknown capability kind")
	}
	if err := s.configs.Delete(ctx, userID, kind, provider); err != nil {
		return err
	}
	s.registry.Invalidate(kind, provider)
	return nil
}
