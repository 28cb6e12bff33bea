package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ErrUnsupportedProvider is returned when no constructor is registered for a
// (kind, provider) pair.
var ErrUnsupportedProvider = fmt.Errorf("unsupported provider")

// Constructor builds a provider from resolved configuration.
type Constructor func(cfg ProviderConfig) (Provider, error)

var (
	ctorMu sync.RWMutex
	ctors  = make(map[Kind]map[string]Constructor)
)

// Register installs a constructor for a (kind, provider) pair. Provider
// packages call it from init and are wired via blank imports.
func Register(kind Kind, name string, ctor Constructor) {
	ctorMu.Lock()
	defer ctorMu.Unlock()
	m, ok := ctors[kind]
	if !ok {
		m = make(map[string]Constructor)
		ctors[kind] = m
	}
	m[name] = ctor
}

// RegisteredProviders returns the provider names registered for a kind,
// sorted for stable output.
func RegisteredProviders(kind Kind) []string {
	ctorMu.RLock()
	defer ctorMu.RUnlock()
	names := make([]string, 0, len(ctors[kind]))
	for name := range ctors[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults carries the process-level provider configuration: which provider
// serves each kind when nothing more specific is configured, and per-provider
// endpoint/model/key defaults.
type Defaults struct {
	Provider map[Kind]string
	Configs  map[Kind]map[string]ProviderConfig
}

// UserConfigSource yields a user's stored provider configs for one kind,
// active only, ordered by descending priority.
type UserConfigSource interface {
	ConfigsByKind(ctx context.Context, userID string, kind Kind) ([]ProviderConfig, error)
}

// Registry resolves configuration and constructs providers, caching one
// instance per (kind, provider) pair for its own lifetime. The cache key
// ignores configuration: changing config for a cached pair requires an
// explicit Invalidate.
type Registry struct {
	defaults Defaults
	users    UserConfigSource

	mu    sync.RWMutex
	cache map[string]Provider
}

// NewRegistry builds a registry. users may be nil when per-user stored
// configuration is not available (tests, CLI).
func NewRegistry(defaults Defaults, users UserConfigSource) *Registry {
	return &Registry{defaults: defaults, users: users, cache: make(map[string]Provider)}
}

func cacheKey(kind Kind, name string) string { return string(kind) + ":" + name }

// ResolveDefault applies process-level defaults for a (kind, provider) pair.
func (r *Registry) ResolveDefault(kind Kind, name string) ProviderConfig {
	if m, ok := r.defaults.Configs[kind]; ok {
		if cfg, ok := m[name]; ok {
			cfg.Provider = name
			return cfg
		}
	}
	return ProviderConfig{Provider: name}
}

// DefaultProvider returns the process-default provider name for a kind.
func (r *Registry) DefaultProvider(kind Kind) string {
	return r.defaults.Provider[kind]
}

// Create returns the provider instance for (kind, name), constructing and
// caching it on first use. A non-nil cfg overrides default resolution but
// does not affect an already-cached instance.
func (r *Registry) Create(kind Kind, name string, cfg *ProviderConfig) (Provider, error) {
	key := cacheKey(kind, name)

	r.mu.RLock()
	p, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	ctorMu.RLock()
	ctor, ok := ctors[kind][name]
	ctorMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedProvider, kind, name)
	}

	resolved := r.ResolveDefault(kind, name)
	if cfg != nil {
		resolved = *cfg
		resolved.Provider = name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[key]; ok {
		return p, nil
	}
	p, err := ctor(resolved)
	if err != nil {
		return nil, fmt.Errorf("construct %s/%s: %w", kind, name, err)
	}
	r.cache[key] = p
	return p, nil
}

// Invalidate drops the cached instance for a (kind, provider) pair so the
// next Create re-reads configuration.
func (r *Registry) Invalidate(kind Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey(kind, name))
}

// Chain resolves the ordered provider list for a kind on behalf of a user:
// the user's stored configs by descending priority when present, otherwise
// the single process-default provider. Providers that fail to construct are
// skipped; an empty chain is an error.
func (r *Registry) Chain(ctx context.Context, userID string, kind Kind) ([]Provider, error) {
	var configs []ProviderConfig
	if r.users != nil && userID != "" {
		stored, err := r.users.ConfigsByKind(ctx, userID, kind)
		if err != nil {
			return nil, fmt.Errorf("load user %s configs for %s: %w", userID, kind, err)
		}
		configs = stored
	}

	var out []Provider
	for _, cfg := range configs {
		cfg := cfg
		p, err := r.Create(kind, cfg.Provider, &cfg)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	if len(out) > 0 {
		return out, nil
	}

	name := r.DefaultProvider(kind)
	if name == "" {
		return nil, fmt.Errorf("no provider configured for capability %s", kind)
	}
	p, err := r.Create(kind, name, nil)
	if err != nil {
		return nil, err
	}
	return []Provider{p}, nil
}
