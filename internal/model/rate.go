package model

import "time"

// TariffRate is the cached resolution result for one (hs_code, policy_type)
// key. At most one live row exists per key; superseded values survive only in
// the change_events log.
type TariffRate struct {
	HSCode        string     `json:"hs_code"`
	PolicyType    PolicyType `json:"policy_type"`
	RateValue     float64    `json:"rate_value"` // ad valorem percent
	EffectiveDate *time.Time `json:"effective_date,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Source        RateSource `json:"source"`
	Confidence    Confidence `json:"confidence"`
	IsStale       bool       `json:"is_stale"`
	StaleReason   string     `json:"stale_reason,omitempty"`
	FetchedAt     time.Time  `json:"fetched_at"`
	RawProvenance string     `json:"raw_provenance,omitempty"` // URL or document id

	// ExceptionParty/ExceptionRate capture a named carve-out from a
	// regime-wide rate ("applies to all countries except X, which pays Y%").
	// Exceptions are kept structured, never folded into RateValue.
	ExceptionParty string   `json:"exception_party,omitempty"`
	ExceptionRate  *float64 `json:"exception_rate,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed.
func (r *TariffRate) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Fresh reports whether the entry can be served from cache without hitting
// any source tier.
func (r *TariffRate) Fresh(now time.Time) bool {
	return !r.IsStale && !r.Expired(now)
}

// ChangeEvent records a rate_value transition for a cache key. Rows are
// append-only; they are created only when an upsert changes the stored value.
type ChangeEvent struct {
	ID               int64      `json:"id"`
	HSCode           string     `json:"hs_code"`
	PolicyType       PolicyType `json:"policy_type"`
	OldRate          float64    `json:"old_rate"`
	NewRate          float64    `json:"new_rate"`
	DeltaPercent     float64    `json:"delta_percent"`
	DetectedAt       time.Time  `json:"detected_at"`
	TriggeringSource RateSource `json:"triggering_source"`
}

// Component is one line of a client's declared import composition, used for
// dollar-impact scoring.
type Component struct {
	HSCode            string  `json:"hs_code"`
	PercentageOfValue float64 `json:"percentage_of_total_value"`
	AnnualVolumeUSD   float64 `json:"annual_volume"`
}
