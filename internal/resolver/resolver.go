// Package resolver implements tiered rate resolution: fresh cache hits are
// served directly, misses walk the source tiers in precedence order, and
// results are written back to the cache with per-policy TTLs.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/source"
)

// ErrNotFound is returned when every tier has been exhausted and no cached
// value, stale or fresh, exists for the key.
var ErrNotFound = eris.New("resolver: rate not found")

// RateStore is the slice of the store the resolver needs.
type RateStore interface {
	GetRate(ctx context.Context, hsCode string, policy model.PolicyType) (*model.TariffRate, error)
	UpsertRate(ctx context.Context, rate *model.TariffRate) (*model.ChangeEvent, error)
}

// Key identifies one resolution request.
type Key struct {
	HSCode     string
	PolicyType model.PolicyType
}

// Result pairs a batch key with its outcome.
type Result struct {
	Key  Key
	Rate *model.TariffRate
	Err  error
}

// Resolver walks the source tiers for cache misses.
type Resolver struct {
	store RateStore
	tiers []source.Adapter
	cache config.CacheConfig

	tierTimeout    time.Duration
	maxConcurrency int

	// nowFunc allows test injection of time.
	nowFunc func() time.Time

	// OnChange, if set, is invoked for every change event produced by a
	// write-back. Used to feed alerting without coupling it here.
	OnChange func(ctx context.Context, event *model.ChangeEvent)
}

// New creates a resolver over the given tiers, in precedence order.
func New(s RateStore, tiers []source.Adapter, cacheCfg config.CacheConfig, resolverCfg config.ResolverConfig) *Resolver {
	timeout := time.Duration(resolverCfg.TierTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conc := resolverCfg.MaxConcurrency
	if conc <= 0 {
		conc = 5
	}
	return &Resolver{
		store:          s,
		tiers:          tiers,
		cache:          cacheCfg,
		tierTimeout:    timeout,
		maxConcurrency: conc,
		nowFunc:        time.Now,
	}
}

// Resolve returns the rate for one (hs_code, policy_type) key. A fresh cache
// entry is returned without touching any tier. On a miss the tiers run in
// order; the first answer is cached and returned. If every tier fails and a
// stale entry exists, the stale entry is returned with IsStale set.
func (r *Resolver) Resolve(ctx context.Context, hsCode string, policy model.PolicyType) (*model.TariffRate, error) {
	code, err := model.NormalizeHSCode(hsCode)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("hs_code", code), zap.String("policy", string(policy)))

	cached, err := r.store.GetRate(ctx, code, policy)
	if err != nil {
		return nil, err
	}
	now := r.nowFunc()
	if cached != nil && cached.Fresh(now) {
		return cached, nil
	}

	quote := r.walkTiers(ctx, log, code, policy)
	if quote == nil {
		if cached != nil {
			// Serve the stale value rather than nothing; callers see
			// IsStale and can decide.
			if !cached.IsStale {
				cached.IsStale = true
				cached.StaleReason = "all source tiers exhausted"
			}
			log.Warn("serving stale rate after tier exhaustion",
				zap.Time("fetched_at", cached.FetchedAt))
			return cached, nil
		}
		return nil, eris.Wrapf(ErrNotFound, "%s/%s", code, policy)
	}

	rate := quote.ToRate(code, policy, now.Add(r.ttlFor(policy, quote.Confidence)))
	event, err := r.store.UpsertRate(ctx, rate)
	if err != nil {
		return nil, err
	}
	if event != nil {
		log.Info("rate change detected",
			zap.Float64("old_rate", event.OldRate),
			zap.Float64("new_rate", event.NewRate),
			zap.Float64("delta_percent", event.DeltaPercent),
			zap.String("source", string(event.TriggeringSource)))
		if r.OnChange != nil {
			r.OnChange(ctx, event)
		}
	}
	return rate, nil
}

// ResolveBatch resolves keys concurrently, preserving input order in the
// returned results. Individual failures do not abort the batch.
func (r *Resolver) ResolveBatch(ctx context.Context, keys []Key) []Result {
	results := make([]Result, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)
	for i, k := range keys {
		g.Go(func() error {
			rate, err := r.Resolve(ctx, k.HSCode, k.PolicyType)
			results[i] = Result{Key: k, Rate: rate, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// walkTiers tries each tier in order and returns the first quote, or nil
// when every tier misses or fails.
func (r *Resolver) walkTiers(ctx context.Context, log *zap.Logger, code string, policy model.PolicyType) *source.RateQuote {
	retryCfg := resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: 250 * time.Millisecond,
	}

	for _, tier := range r.tiers {
		if ctx.Err() != nil {
			return nil
		}

		retryCfg.OnRetry = resilience.RetryLogger(tier.Name(), "lookup")
		quote, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*source.RateQuote, error) {
			tierCtx, cancel := context.WithTimeout(ctx, r.tierTimeout)
			defer cancel()
			return tier.Lookup(tierCtx, code, policy)
		})
		if err == nil {
			log.Debug("tier answered", zap.String("tier", tier.Name()),
				zap.Float64("rate_value", quote.RateValue))
			return quote
		}
		if errors.Is(err, source.ErrNoRate) {
			log.Debug("tier has no rate", zap.String("tier", tier.Name()))
			continue
		}
		log.Warn("tier failed, falling through",
			zap.String("tier", tier.Name()), zap.Error(err))
	}
	return nil
}

func (r *Resolver) ttlFor(policy model.PolicyType, confidence model.Confidence) time.Duration {
	if confidence == model.ConfidenceEstimated {
		return r.cache.EstimatedTTL()
	}
	return r.cache.TTLFor(string(policy))
}
