package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cardmint/intake/internal/audit"
	"github.com/cardmint/intake/internal/catalog"
	"github.com/cardmint/intake/internal/config"
	"github.com/cardmint/intake/internal/decision"
	"github.com/cardmint/intake/internal/metrics"
	"github.com/cardmint/intake/internal/model"
	"github.com/cardmint/intake/internal/pipeline"
	"github.com/cardmint/intake/internal/resolver"
	"github.com/cardmint/intake/internal/router"
	"github.com/cardmint/intake/internal/store"
	"github.com/cardmint/intake/internal/verifier"
	"github.com/cardmint/intake/pkg/vision"
)

// pipelineEnv holds the initialized store, catalog index, and pipeline
// needed by the process/serve/captures commands.
type pipelineEnv struct {
	Store    store.Store
	Index    *catalog.Index
	Pipeline *pipeline.Pipeline
	Primary  vision.Client
	Fallback vision.Client
	Audit    *audit.Log
	Engine   *decision.Engine
	Metrics  *metrics.Registry
	Verifier verifier.Client // nil unless enabled
}

// Close flushes the audit log and releases resources. Safe to call once.
func (pe *pipelineEnv) Close() {
	if pe.Engine != nil {
		pe.Engine.Close()
	}
	if pe.Audit != nil {
		pe.Audit.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "intake.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initPipeline sets up the store, catalog index, inference clients, and the
// pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cards, err := loadCatalog(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	index := catalog.NewIndex(cfg.Catalog.Version, cards)
	zap.L().Info("catalog loaded",
		zap.Int("cards", len(cards)),
		zap.String("version", cfg.Catalog.Version),
	)

	reg := metrics.NewRegistry()
	auditLog := audit.NewLog(st, 256)

	primary := visionClient(cfg.Vision.Primary)
	fallback := visionClient(cfg.Vision.Fallback)

	rt := router.New(primary, fallback, cfg.Router, reg)
	rt.OnTransition = func(tr router.Transition) {
		auditLog.Append(audit.KindRouterTransition, tr.CaptureID, tr)
	}

	rs := resolver.New(index, resolver.Config{
		FuzzyMargin:   cfg.Resolver.FuzzyMargin,
		FuzzyMinScore: cfg.Resolver.FuzzyMinScore,
		MaxCandidates: cfg.Resolver.MaxCandidates,
	})

	engine := decision.NewEngine(cfg.Decision, auditLog, reg)

	var verifierClient verifier.Client
	if cfg.Verifier.Enabled {
		var opts []verifier.Option
		if cfg.Verifier.APIKey != "" {
			opts = append(opts, verifier.WithAPIKey(cfg.Verifier.APIKey))
		}
		verifierClient = verifier.NewClient(cfg.Verifier.BaseURL, opts...)
		zap.L().Info("verifier enabled", zap.String("base_url", cfg.Verifier.BaseURL))
	}

	p := pipeline.New(cfg.Pipeline, st, rt, rs, engine, verifierClient, auditLog, reg)

	return &pipelineEnv{
		Store:    st,
		Index:    index,
		Pipeline: p,
		Primary:  primary,
		Fallback: fallback,
		Audit:    auditLog,
		Engine:   engine,
		Metrics:  reg,
		Verifier: verifierClient,
	}, nil
}

func visionClient(bc config.BackendConfig) vision.Client {
	var opts []vision.Option
	if bc.APIKey != "" {
		opts = append(opts, vision.WithAPIKey(bc.APIKey))
	}
	return vision.NewClient(bc.BaseURL, bc.ModelVersion, opts...)
}

// loadCatalog reads the canonical card set from the store, seeding it from
// the configured CSV export on first run.
func loadCatalog(ctx context.Context, st store.Store) ([]model.CanonicalCard, error) {
	cards, err := st.LoadCatalog(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "load catalog")
	}
	if len(cards) > 0 || cfg.Catalog.Path == "" {
		return cards, nil
	}

	zap.L().Info("catalog empty, seeding from csv", zap.String("path", cfg.Catalog.Path))
	cards, err = importCatalogCSV(ctx, st, cfg.Catalog.Path, cfg.Catalog.SynonymsPath)
	if err != nil {
		return nil, err
	}
	return cards, nil
}

// importCatalogCSV parses a pricing-export CSV (plus optional set synonym
// CSV) and replaces the stored catalog generation.
func importCatalogCSV(ctx context.Context, st store.Store, path, synonymsPath string) ([]model.CanonicalCard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open catalog csv")
	}
	defer f.Close()

	cards, err := catalog.FromCSV(f)
	if err != nil {
		return nil, eris.Wrap(err, "parse catalog csv")
	}

	if synonymsPath != "" {
		sf, err := os.Open(synonymsPath)
		if err != nil {
			return nil, eris.Wrap(err, "open synonyms csv")
		}
		synonyms, err := catalog.SynonymsFromCSV(sf)
		_ = sf.Close()
		if err != nil {
			return nil, eris.Wrap(err, "parse synonyms csv")
		}
		catalog.ApplySetSynonyms(cards, synonyms)
	}

	if err := st.ReplaceCatalog(ctx, cards); err != nil {
		return nil, eris.Wrap(err, "replace catalog")
	}
	return cards, nil
}
