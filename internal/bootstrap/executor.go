package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/suPer8Hu/crewjobs/internal/ai"
	"github.com/suPer8Hu/crewjobs/internal/config"
	"github.com/suPer8Hu/crewjobs/internal/crew"
	"github.com/suPer8Hu/crewjobs/internal/db"
	"github.com/suPer8Hu/crewjobs/internal/metadata"
	"github.com/suPer8Hu/crewjobs/internal/warehouse"
)

// NewRegistry registers every LLM backend configured in cfg.
func NewRegistry(cfg config.Config) (*ai.Registry, error) {
	reg := ai.NewRegistry()
	errOllama := reg.Register("ollama", func(_ context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.AI.OllamaModel
		}
		temp := 0.0
		p := ai.NewOllamaProvider(cfg.AI.OllamaBaseURL, m)
		p.Temperature = &temp
		return p, nil
	})
	errOpenRouter := reg.Register("openrouter", func(_ context.Context, model string) (ai.Provider, error) {
		if strings.TrimSpace(cfg.AI.OpenRouterAPIKey) == "" {
			return nil, errors.New("OPENROUTER_API_KEY is not set")
		}
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.AI.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.AI.OpenRouterBaseURL, cfg.AI.OpenRouterAPIKey, m,
			cfg.AI.OpenRouterSiteURL, cfg.AI.OpenRouterAppName), nil
	})
	if err := errors.Join(errOllama, errOpenRouter); err != nil {
		return nil, err
	}
	return reg, nil
}

// NewExecutor wires the analysis pipeline. Weaviate and the warehouse are
// optional; their stages degrade when the URL or DSN is unset.
func NewExecutor(ctx context.Context, cfg config.Config, logger *slog.Logger) (*crew.Pipeline, CloseFunc, error) {
	reg, err := NewRegistry(cfg)
	if err != nil {
		return nil, noopClose, err
	}
	llm, err := reg.Get(ctx, cfg.AI.Provider, "")
	if err != nil {
		return nil, noopClose, err
	}
	defs, err := crew.LoadDefinitions(cfg.CrewAgentsFile)
	if err != nil {
		return nil, noopClose, err
	}

	opts := crew.Options{LLM: llm, Definitions: defs, Logger: logger}
	closer := CloseFunc(noopClose)

	if cfg.Weaviate.URL != "" {
		opts.Search = metadata.NewClient(cfg.Weaviate.URL, cfg.Weaviate.APIKey, cfg.Weaviate.Class, cfg.Weaviate.Limit)
	} else {
		logger.Warn("WEAVIATE_URL not set, metadata search disabled")
	}

	if cfg.Warehouse.DSN != "" {
		wdb, err := db.Open(cfg.Warehouse.Driver, cfg.Warehouse.DSN)
		if err != nil {
			return nil, noopClose, fmt.Errorf("warehouse: %w", err)
		}
		sqlDB, err := wdb.DB()
		if err != nil {
			return nil, noopClose, err
		}
		opts.Warehouse = warehouse.NewService(wdb, cfg.Warehouse.MaxRows, cfg.Warehouse.QueryTimeout)
		closer = sqlDB.Close
	} else {
		logger.Warn("WAREHOUSE_DSN not set, query execution stage disabled")
	}

	p, err := crew.NewPipeline(opts)
	if err != nil {
		_ = closer()
		return nil, noopClose, err
	}
	logger.Info("executor ready", "ai_provider", cfg.AI.Provider,
		"metadata", cfg.Weaviate.URL != "", "warehouse", cfg.Warehouse.DSN != "")
	return p, closer, nil
}
