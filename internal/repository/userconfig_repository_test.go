package repository

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/mangaforge/mangaforge/pkg/capability"
)

func setupUserConfigRepo(t *testing.T) UserConfigRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewUserConfigRepository(rdb)
}

func TestUserConfigSaveAndGet(t *testing.T) {
	repo := setupUserConfigRepo(t)
	ctx := context.Background()

	cfg := capability.ProviderConfig{
		Provider: "openai",
		APIKey:   "sk-user",
		Model:    "gpt-4o",
		Priority: 10,
		Active:   true,
	}
	if err := repo.Save(ctx, "user-1", capability.KindText, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := repo.Get(ctx, "user-1", capability.KindText, "openai")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Model != "gpt-4o" || got.APIKey != "sk-user" {
		t.Errorf("got = %+v", got)
	}
}

func TestUserConfigSaveValidation(t *testing.T) {
	repo := setupUserConfigRepo(t)
	ctx := context.Background()

	if err := repo.Save(ctx, "", capability.KindText, capability.ProviderConfig{Provider: "openai"}); err == nil {
		t.Fatal("expected error for empty user id")
	}
	if err := repo.Save(ctx, "user-1", capability.KindText, capability.ProviderConfig{}); err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

func TestConfigsByKindOrdersAndFilters(t *testing.T) {
	repo := setupUserConfigRepo(t)
	ctx := context.Background()

	_ = repo.Save(ctx, "user-1", capability.KindText, capability.ProviderConfig{Provider: "openai", Priority: 1, Active: true})
	_ = repo.Save(ctx, "user-1", capability.KindText, capability.ProviderConfig{Provider: "anthropic", Priority: 5, Active: true})
	_ = repo.Save(ctx, "user-1", capability.KindText, capability.ProviderConfig{Provider: "disabled", Priority: 9, Active: false})

	configs, err := repo.ConfigsByKind(ctx, "user-1", capability.KindText)
	if err != nil {
		t.Fatalf("configs by kind: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("configs = %d, want 2 (inactive excluded)", len(configs))
	}
	if configs[0].Provider != "anthropic" || configs[1].Provider != "openai" {
		t.Errorf("order = [%s, %s], want priority-desc", configs[0].Provider, configs[1].Provider)
	}
}

func TestUserConfigKindIsolation(t *testing.T) {
	repo := setupUserConfigRepo(t)
	ctx := context.Background()

	_ = repo.Save(ctx, "user-1", capability.KindText, capability.ProviderConfig{Provider: "openai", Active: true})
	_ = repo.Save(ctx, "user-1", capability.KindImage, capability.ProviderConfig{Provider: "comfyui", Active: true})

	text, err := repo.List(ctx, "user-1", capability.KindText)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(text) != 1 || text[0].Provider != "openai" {
		t.Errorf("text configs = %+v", text)
	}
}

func TestUserConfigDelete(t *testing.T) {
	repo := setupUserConfigRepo(t)
	ctx := context.Background()

	_ = repo.Save(ctx, "user-1", capability.KindText, capability.ProviderConfig{Provider: "openai", Active: true})
	if err := repo.Delete(ctx, "user-1", capability.KindText, "openai"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, "user-1", capability.KindText, "openai"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, "user-1", capability.KindText, "openai"); err != ErrNotFound {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}
