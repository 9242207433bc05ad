// Package model defines the core domain types for tariff-rate resolution:
// policy regimes, cached rates, change events, and alert records.
package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// PolicyType identifies an independently-tracked duty regime layered on top
// of the baseline schedule.
type PolicyType string

const (
	PolicyMFN             PolicyType = "MFN"
	PolicyUSMCA           PolicyType = "USMCA"
	PolicySection301      PolicyType = "SECTION_301"
	PolicySection232      PolicyType = "SECTION_232"
	PolicyIEEPAReciprocal PolicyType = "IEEPA_RECIPROCAL"
)

// AllPolicyTypes lists every supported regime in display order.
var AllPolicyTypes = []PolicyType{
	PolicyMFN,
	PolicyUSMCA,
	PolicySection301,
	PolicySection232,
	PolicyIEEPAReciprocal,
}

// ParsePolicyType converts a string like "mfn" or "SECTION_301" into a PolicyType.
func ParsePolicyType(s string) (PolicyType, error) {
	p := PolicyType(strings.ToUpper(strings.TrimSpace(s)))
	switch p {
	case PolicyMFN, PolicyUSMCA, PolicySection301, PolicySection232, PolicyIEEPAReciprocal:
		return p, nil
	default:
		return "", eris.Errorf("unknown policy type: %q (valid: MFN, USMCA, SECTION_301, SECTION_232, IEEPA_RECIPROCAL)", s)
	}
}

func (p PolicyType) String() string { return string(p) }

// RateSource identifies which resolution tier produced a cached rate.
type RateSource string

const (
	SourceOfficialDB   RateSource = "OFFICIAL_DB"
	SourceWebScrape    RateSource = "WEB_SCRAPE"
	SourceRegistrySync RateSource = "REGISTRY_SYNC"
	SourceAIResearch   RateSource = "AI_RESEARCH"
)

// Confidence classifies the authority of a rate's provenance.
type Confidence string

const (
	// ConfidenceOfficial marks rates from an authoritative structured or
	// official source.
	ConfidenceOfficial Confidence = "official"
	// ConfidenceEstimated marks AI-researched best-effort rates.
	ConfidenceEstimated Confidence = "estimated"
)
