package impact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
)

func TestAssessSteelIncrease(t *testing.T) {
	// A 25→50 point move on $1M of annual volume is a $250k swing.
	calc := NewCalculator(DefaultBands())

	event := &model.ChangeEvent{
		HSCode:       "73269086",
		PolicyType:   model.PolicySection232,
		OldRate:      25,
		NewRate:      50,
		DeltaPercent: 25,
	}
	got := calc.Assess(event, model.Component{
		HSCode:            "73269086",
		PercentageOfValue: 30,
		AnnualVolumeUSD:   1_000_000,
	})

	assert.Equal(t, 250_000.0, got.AnnualImpactUSD)
	assert.Equal(t, model.SeverityCritical, got.Severity)
	assert.Equal(t, 25.0, got.DeltaPercent)
}

func TestAssessDecreaseKeepsSign(t *testing.T) {
	calc := NewCalculator(DefaultBands())

	event := &model.ChangeEvent{
		HSCode:       "84713000",
		PolicyType:   model.PolicyMFN,
		OldRate:      5,
		NewRate:      2,
		DeltaPercent: -3,
	}
	got := calc.Assess(event, model.Component{HSCode: "84713000", AnnualVolumeUSD: 2_000_000})

	assert.Equal(t, -60_000.0, got.AnnualImpactUSD)
	assert.Equal(t, model.SeverityCritical, got.Severity, "magnitude drives severity")
}

func TestClassifyBands(t *testing.T) {
	b := DefaultBands()
	assert.Equal(t, model.SeverityMedium, b.Classify(0))
	assert.Equal(t, model.SeverityMedium, b.Classify(10_000))
	assert.Equal(t, model.SeverityHigh, b.Classify(10_001))
	assert.Equal(t, model.SeverityHigh, b.Classify(50_000))
	assert.Equal(t, model.SeverityCritical, b.Classify(50_001))
	assert.Equal(t, model.SeverityCritical, b.Classify(-75_000))
}

func TestBandsValidate(t *testing.T) {
	assert.NoError(t, DefaultBands().Validate())
	assert.Error(t, Bands{CriticalOverUSD: 10_000, HighOverUSD: 50_000}.Validate())
	assert.Error(t, Bands{CriticalOverUSD: 50_000}.Validate())
	assert.Error(t, Bands{CriticalOverUSD: -1, HighOverUSD: -2}.Validate())
}

func TestLoadBands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bands.yaml")
	require.NoError(t, os.WriteFile(path, []byte("critical_over_usd: 100000\nhigh_over_usd: 25000\n"), 0o644))

	b, err := LoadBands(path)
	require.NoError(t, err)
	assert.Equal(t, 100_000.0, b.CriticalOverUSD)
	assert.Equal(t, 25_000.0, b.HighOverUSD)
}

func TestLoadBandsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bands.yaml")
	require.NoError(t, os.WriteFile(path, []byte("critical_over_usd: 1000\nhigh_over_usd: 5000\n"), 0o644))

	_, err := LoadBands(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must exceed")
}

func TestBandsFromConfig(t *testing.T) {
	b, err := BandsFromConfig(config.ImpactConfig{CriticalOverUSD: 80_000, HighOverUSD: 20_000})
	require.NoError(t, err)
	assert.Equal(t, 80_000.0, b.CriticalOverUSD)

	// Empty config falls back to defaults.
	b, err = BandsFromConfig(config.ImpactConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBands(), b)
}

func TestLoadComponents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "components.yaml")
	doc := `components:
  - hs_code: "7326.90.86"
    percentage_of_total_value: 30
    annual_volume: 1000000
  - hs_code: "84713000"
    percentage_of_total_value: 70
    annual_volume: 5000000
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	comps, err := LoadComponents(path)
	require.NoError(t, err)
	require.Len(t, comps, 2)
	assert.Equal(t, "7326.90.86", comps[0].HSCode)
	assert.Equal(t, 1_000_000.0, comps[0].AnnualVolumeUSD)
	assert.Equal(t, 70.0, comps[1].PercentageOfValue)
}

func TestLoadComponentsRejectsMalformedCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "components.yaml")
	require.NoError(t, os.WriteFile(path, []byte("components:\n  - hs_code: \"1234567\"\n    annual_volume: 100\n"), 0o644))

	_, err := LoadComponents(path)
	assert.Error(t, err)
}

func TestAssessAllFiltersByCode(t *testing.T) {
	calc := NewCalculator(DefaultBands())
	event := &model.ChangeEvent{HSCode: "73269086", PolicyType: model.PolicySection232, DeltaPercent: 25}

	got := calc.AssessAll(event, []model.Component{
		{HSCode: "7326.90.86", AnnualVolumeUSD: 1_000_000}, // alias of the event code
		{HSCode: "84713000", AnnualVolumeUSD: 5_000_000},
		{HSCode: "bogus", AnnualVolumeUSD: 100},
	})
	require.Len(t, got.Assessments, 1)
	assert.Equal(t, 250_000.0, got.Assessments[0].AnnualImpactUSD)
	assert.Equal(t, 250_000.0, got.TotalImpactUSD)
}

func TestAssessAllSumsAcrossComponents(t *testing.T) {
	// Two components each land in the HIGH band, but the summed total
	// crosses the CRITICAL threshold.
	calc := NewCalculator(DefaultBands())
	event := &model.ChangeEvent{HSCode: "73269086", PolicyType: model.PolicySection232, DeltaPercent: 25}

	got := calc.AssessAll(event, []model.Component{
		{HSCode: "73269086", AnnualVolumeUSD: 120_000},
		{HSCode: "7326.90.86", AnnualVolumeUSD: 120_000},
	})

	require.Len(t, got.Assessments, 2)
	for _, a := range got.Assessments {
		assert.Equal(t, 30_000.0, a.AnnualImpactUSD)
		assert.Equal(t, model.SeverityHigh, a.Severity)
	}
	assert.Equal(t, 60_000.0, got.TotalImpactUSD)
	assert.Equal(t, model.SeverityCritical, got.Severity)
}

func TestAssessAllNoMatchIsMedium(t *testing.T) {
	calc := NewCalculator(DefaultBands())
	event := &model.ChangeEvent{HSCode: "73269086", DeltaPercent: 25}

	got := calc.AssessAll(event, []model.Component{{HSCode: "84713000", AnnualVolumeUSD: 1_000_000}})
	assert.Empty(t, got.Assessments)
	assert.Zero(t, got.TotalImpactUSD)
	assert.Equal(t, model.SeverityMedium, got.Severity)
}
