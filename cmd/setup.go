package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"

	"github.com/stonebridge-group/diligence-cli/internal/clarify"
	"github.com/stonebridge-group/diligence-cli/internal/extract"
	"github.com/stonebridge-group/diligence-cli/internal/llm"
	"github.com/stonebridge-group/diligence-cli/internal/router"
	"github.com/stonebridge-group/diligence-cli/internal/store"
	anthropicpkg "github.com/stonebridge-group/diligence-cli/pkg/anthropic"
	"github.com/stonebridge-group/diligence-cli/pkg/openrouter"
)

func clarifyThresholds() clarify.Thresholds {
	th := clarify.DefaultThresholds()
	if cfg.Clarify.AutoAccept > 0 {
		th.AutoAccept = cfg.Clarify.AutoAccept
	}
	if cfg.Clarify.Suggest > 0 {
		th.Suggest = cfg.Clarify.Suggest
	}
	if cfg.Clarify.LowConfidence > 0 {
		th.LowConfidence = cfg.Clarify.LowConfidence
	}
	return th
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "diligence.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initRouter wires the configured providers into a routing table. Rules come
// from the routing config file when present, otherwise from built-in defaults
// matching the registered providers.
func initRouter() (*router.Router, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic API key is required (DILIGENCE_ANTHROPIC_KEY)")
	}

	registry := router.NewRegistry()

	anthClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	registry.Register(llm.NewAnthropicProvider("anthropic-sonnet", anthClient), router.ProviderConfig{
		Model: cfg.Anthropic.SonnetModel,
	})
	registry.Register(llm.NewAnthropicProvider("anthropic-haiku", anthClient), router.ProviderConfig{
		Model: cfg.Anthropic.HaikuModel,
	})

	if cfg.OpenRouter.Key != "" {
		orClient := openrouter.NewClient(cfg.OpenRouter.Key,
			openrouter.WithBaseURL(cfg.OpenRouter.BaseURL),
			openrouter.WithModel(cfg.OpenRouter.Model))
		registry.Register(llm.NewOpenRouterProvider("openrouter", orClient), router.ProviderConfig{
			Model: cfg.OpenRouter.Model,
		})
	}

	rules, err := loadRoutingRules(registry)
	if err != nil {
		return nil, err
	}

	return router.New(registry, rules), nil
}

func loadRoutingRules(registry *router.Registry) ([]router.Rule, error) {
	path := cfg.Routing.ConfigPath
	if _, err := os.Stat(path); err == nil {
		rc, err := router.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		for _, pc := range rc.Providers {
			p, existing, ok := registry.Get(pc.Name)
			if !ok {
				return nil, eris.Errorf("routing config references unconfigured provider %s", pc.Name)
			}
			// Apply the file's operational limits over the defaults.
			if pc.Model == "" {
				pc.Model = existing.Model
			}
			registry.Register(p, pc)
		}
		return rc.Tasks, nil
	}

	return defaultRoutingRules(registry), nil
}

// defaultRoutingRules puts sonnet first for extraction, with haiku and (when
// configured) openrouter as fallbacks.
func defaultRoutingRules(registry *router.Registry) []router.Rule {
	fallbacks := []string{"anthropic-haiku"}
	if _, _, ok := registry.Get("openrouter"); ok {
		fallbacks = append(fallbacks, "openrouter")
	}
	return []router.Rule{{
		Task:           extract.TaskFacilityExtraction,
		Primary:        "anthropic-sonnet",
		Fallbacks:      fallbacks,
		ResponseFormat: "json_object",
	}}
}
