// Package impact turns rate-change events into dollar figures and severity
// classifications for a client's declared import composition.
package impact

import (
	"math"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
)

// Bands holds the severity thresholds in USD of annualized impact.
type Bands struct {
	CriticalOverUSD float64 `yaml:"critical_over_usd"`
	HighOverUSD     float64 `yaml:"high_over_usd"`
}

// DefaultBands returns the standard thresholds.
func DefaultBands() Bands {
	return Bands{CriticalOverUSD: 50_000, HighOverUSD: 10_000}
}

// BandsFromConfig builds bands from config, falling back to the bands file
// when one is configured. File values win over inline config.
func BandsFromConfig(cfg config.ImpactConfig) (Bands, error) {
	b := Bands{CriticalOverUSD: cfg.CriticalOverUSD, HighOverUSD: cfg.HighOverUSD}
	if cfg.BandsFile != "" {
		loaded, err := LoadBands(cfg.BandsFile)
		if err != nil {
			return Bands{}, err
		}
		b = loaded
	}
	if b.CriticalOverUSD == 0 && b.HighOverUSD == 0 {
		b = DefaultBands()
	}
	return b, b.Validate()
}

// LoadBands reads severity thresholds from a YAML file.
func LoadBands(path string) (Bands, error) {
	var b Bands
	raw, err := os.ReadFile(path)
	if err != nil {
		return b, eris.Wrapf(err, "impact: read bands file %s", path)
	}
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return b, eris.Wrapf(err, "impact: parse bands file %s", path)
	}
	return b, b.Validate()
}

// LoadComponents reads a client's declared import composition from a YAML
// file: a list of {hs_code, percentage_of_total_value, annual_volume} entries.
func LoadComponents(path string) ([]model.Component, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "impact: read components file %s", path)
	}
	var doc struct {
		Components []struct {
			HSCode            string  `yaml:"hs_code"`
			PercentageOfValue float64 `yaml:"percentage_of_total_value"`
			AnnualVolumeUSD   float64 `yaml:"annual_volume"`
		} `yaml:"components"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrapf(err, "impact: parse components file %s", path)
	}

	out := make([]model.Component, 0, len(doc.Components))
	for _, c := range doc.Components {
		if _, err := model.NormalizeHSCode(c.HSCode); err != nil {
			return nil, eris.Wrapf(err, "impact: components file %s", path)
		}
		if c.AnnualVolumeUSD < 0 {
			return nil, eris.Errorf("impact: components file %s: negative annual volume for %s", path, c.HSCode)
		}
		out = append(out, model.Component{
			HSCode:            c.HSCode,
			PercentageOfValue: c.PercentageOfValue,
			AnnualVolumeUSD:   c.AnnualVolumeUSD,
		})
	}
	return out, nil
}

// Validate checks that the thresholds are positive and ordered.
func (b Bands) Validate() error {
	if b.CriticalOverUSD <= 0 || b.HighOverUSD <= 0 {
		return eris.New("impact: band thresholds must be positive")
	}
	if b.CriticalOverUSD <= b.HighOverUSD {
		return eris.Errorf("impact: critical threshold %.0f must exceed high threshold %.0f",
			b.CriticalOverUSD, b.HighOverUSD)
	}
	return nil
}

// Classify maps an annualized dollar impact to a severity. Magnitude is what
// matters; a large decrease is as operationally significant as an increase.
func (b Bands) Classify(annualImpactUSD float64) model.Severity {
	abs := math.Abs(annualImpactUSD)
	switch {
	case abs > b.CriticalOverUSD:
		return model.SeverityCritical
	case abs > b.HighOverUSD:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

// Assessment is the scored financial impact of one change event on one
// declared component.
type Assessment struct {
	HSCode          string           `json:"hs_code"`
	PolicyType      model.PolicyType `json:"policy_type"`
	DeltaPercent    float64          `json:"delta_percent"`
	AnnualImpactUSD float64          `json:"annual_impact_usd"`
	Severity        model.Severity   `json:"severity"`
}

// Batch aggregates the per-component assessments of one change event. The
// batch severity classifies the summed dollar impact, so two HIGH
// components can add up to a CRITICAL event.
type Batch struct {
	Assessments    []Assessment   `json:"assessments,omitempty"`
	TotalImpactUSD float64        `json:"total_impact_usd"`
	Severity       model.Severity `json:"severity"`
}

// Calculator scores change events against import compositions.
type Calculator struct {
	bands Bands
}

// NewCalculator creates a calculator with the given bands.
func NewCalculator(b Bands) *Calculator {
	return &Calculator{bands: b}
}

// Assess computes the annualized dollar impact of a rate change on one
// component: annual volume times the rate delta in percentage points. The
// component's share of total value is informational and does not scale the
// figure, since annual volume is already per component.
func (c *Calculator) Assess(event *model.ChangeEvent, comp model.Component) Assessment {
	impactUSD := comp.AnnualVolumeUSD * event.DeltaPercent / 100

	return Assessment{
		HSCode:          event.HSCode,
		PolicyType:      event.PolicyType,
		DeltaPercent:    event.DeltaPercent,
		AnnualImpactUSD: impactUSD,
		Severity:        c.bands.Classify(impactUSD),
	}
}

// AssessAll scores a change event against every matching component of a
// composition and classifies the summed total. Components with other HS
// codes are skipped; an empty match yields a zero-total MEDIUM batch.
func (c *Calculator) AssessAll(event *model.ChangeEvent, comps []model.Component) Batch {
	var b Batch
	for _, comp := range comps {
		code, err := model.NormalizeHSCode(comp.HSCode)
		if err != nil || code != event.HSCode {
			continue
		}
		a := c.Assess(event, comp)
		b.Assessments = append(b.Assessments, a)
		b.TotalImpactUSD += a.AnnualImpactUSD
	}
	b.Severity = c.bands.Classify(b.TotalImpactUSD)
	return b
}
