package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/alert"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/impact"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resolver"
	"github.com/sells-group/tariff-cli/internal/source"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
	"github.com/sells-group/tariff-cli/pkg/perplexity"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "tariff.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func newHTTPFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.HTS.UserAgent,
		Timeout:      time.Duration(cfg.HTS.FetchTimeout) * time.Second,
		RateLimiters: fetcher.DefaultRateLimiters(),
	})
}

// newEmitter builds the alert emitter. With no webhook configured, alerts are
// still persisted and stay pending; note the concrete-nil check so a nil
// *WebhookTransport never ends up inside a non-nil Transport interface.
func newEmitter(s store.Store) *alert.Emitter {
	var transport alert.Transport
	if wt := alert.NewWebhookTransport(cfg.Alert); wt != nil {
		transport = wt
	}
	return alert.NewEmitter(s, transport)
}

// newChangeHandler returns the OnChange hook shared by the resolver and the
// registry sync: score each change event against the declared composition and
// emit a rate-change alert.
func newChangeHandler(emitter *alert.Emitter, calc *impact.Calculator, comps []model.Component) func(context.Context, *model.ChangeEvent) {
	return func(ctx context.Context, event *model.ChangeEvent) {
		batch := calc.AssessAll(event, comps)
		if _, err := emitter.EmitRateChange(ctx, event, batch); err != nil {
			zap.L().Error("emit rate change alert",
				zap.String("hs_code", event.HSCode),
				zap.Error(err))
		}
	}
}

func newCalculator() (*impact.Calculator, error) {
	bands, err := impact.BandsFromConfig(cfg.Impact)
	if err != nil {
		return nil, err
	}
	return impact.NewCalculator(bands), nil
}

func loadComponents(path string) ([]model.Component, error) {
	if path == "" {
		return nil, nil
	}
	return impact.LoadComponents(path)
}

// newResolver assembles the tier chain in precedence order. The scrape and
// research tiers are skipped when their API keys are not configured.
func newResolver(s store.Store, onChange func(context.Context, *model.ChangeEvent)) *resolver.Resolver {
	tiers := []source.Adapter{source.NewOfficialDB(s)}

	if cfg.Anthropic.Key != "" {
		llm := anthropic.NewClient(cfg.Anthropic.Key)
		tiers = append(tiers, source.NewWebScrape(
			newHTTPFetcher(), llm, cfg.HTS.ScrapeURL,
			cfg.Anthropic.ExtractModel, int64(cfg.Anthropic.MaxTokens)))
	} else {
		zap.L().Warn("anthropic key not set, scrape tier disabled")
	}

	if cfg.Perplexity.Key != "" {
		client := perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model))
		tiers = append(tiers, source.NewResearch(client, cfg.Perplexity.Model))
	} else {
		zap.L().Warn("perplexity key not set, research tier disabled")
	}

	r := resolver.New(s, tiers, cfg.Cache, cfg.Resolver)
	r.OnChange = onChange
	return r
}
