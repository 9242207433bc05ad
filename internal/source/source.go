// Package source implements the resolution tiers behind the rate resolver:
// the official schedule reference, the official-site scrape with AI
// extraction, and the AI research fallback. Each tier is an Adapter; the
// resolver walks them in precedence order.
package source

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// Adapter is a single resolution tier.
type Adapter interface {
	// Name identifies the tier in logs and provenance.
	Name() string

	// Lookup returns a quote for the key, ErrNoRate if the tier has no
	// answer, or an error when the tier itself failed.
	Lookup(ctx context.Context, hsCode string, policy model.PolicyType) (*RateQuote, error)
}

// ErrNoRate signals that an adapter has no answer for the key. The resolver
// treats it as "try the next tier", unlike a transport or extraction error.
var ErrNoRate = eris.New("source: no rate for key")

// RateQuote is an adapter's answer for one (hs_code, policy_type) key,
// before the resolver stamps cache metadata onto it.
type RateQuote struct {
	RateValue     float64
	EffectiveDate *time.Time
	Source        model.RateSource
	Confidence    model.Confidence
	Provenance    string

	ExceptionParty string
	ExceptionRate  *float64
}

// ToRate converts a quote into a cacheable TariffRate with the given key
// and expiry.
func (q *RateQuote) ToRate(hsCode string, policy model.PolicyType, expiresAt time.Time) *model.TariffRate {
	return &model.TariffRate{
		HSCode:         hsCode,
		PolicyType:     policy,
		RateValue:      q.RateValue,
		EffectiveDate:  q.EffectiveDate,
		ExpiresAt:      expiresAt,
		Source:         q.Source,
		Confidence:     q.Confidence,
		RawProvenance:  q.Provenance,
		ExceptionParty: q.ExceptionParty,
		ExceptionRate:  q.ExceptionRate,
	}
}
