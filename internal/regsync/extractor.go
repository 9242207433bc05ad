// Package regsync implements the notice-registry sync job: it searches the
// Federal Register for tariff actions published inside the configured window,
// extracts structured rate changes from each document, and applies them to
// the rate cache under a persisted job lock.
package regsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
	"github.com/sells-group/tariff-cli/pkg/federalregister"
)

// maxDocBytes caps how much document text is sent to extraction. Federal
// Register raw text for large proclamations runs into megabytes of annex
// tables; the operative rate language is near the top.
const maxDocBytes = 200 * 1024

const extractionSystemPrompt = `You extract tariff rate changes from US Federal Register documents.
Given the text of a document, respond with ONLY a JSON object:
{
  "relevant": bool,
  "policy_type": "MFN" | "USMCA" | "SECTION_301" | "SECTION_232" | "IEEPA_RECIPROCAL",
  "rate_value": number,
  "previous_rate": number or null,
  "effective_date": "YYYY-MM-DD" or null,
  "affected_hs_codes": [string],
  "countries": [string],
  "exceptions": [{"party": string, "rate_value": number}],
  "citation": string
}
Set relevant to false if the document does not announce or modify an import
duty rate (notices of hearings, requests for comment, and exclusions processes
are not relevant). rate_value is the new ad valorem duty as a percentage.
affected_hs_codes lists the HS/HTS codes the rate applies to, 6 to 10 digits,
dots allowed. exceptions lists named carve-outs ("all countries except X,
which pays Y%"). Never invent codes or rates not stated in the document.`

// Extraction is the structured result of reading one registry document.
type Extraction struct {
	Relevant        bool        `json:"relevant"`
	PolicyType      string      `json:"policy_type"`
	RateValue       float64     `json:"rate_value"`
	PreviousRate    *float64    `json:"previous_rate"`
	EffectiveDate   string      `json:"effective_date"`
	AffectedHSCodes []string    `json:"affected_hs_codes"`
	Countries       []string    `json:"countries"`
	Exceptions      []Exception `json:"exceptions"`
	Citation        string      `json:"citation"`
}

// Exception is a named carve-out from a regime-wide rate.
type Exception struct {
	Party     string  `json:"party"`
	RateValue float64 `json:"rate_value"`
}

// SchemaValidationError reports an extraction that parsed as JSON but
// violates the schema. Documents failing validation are recorded as rejected
// rather than retried.
type SchemaValidationError struct {
	Field  string
	Reason string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("regsync: invalid extraction: %s: %s", e.Field, e.Reason)
}

// Extractor turns registry document text into structured rate changes.
type Extractor struct {
	llm       anthropic.Client
	model     string
	maxTokens int64
}

// NewExtractor creates an extractor using the given model.
func NewExtractor(llm anthropic.Client, extractModel string, maxTokens int64) *Extractor {
	return &Extractor{llm: llm, model: extractModel, maxTokens: maxTokens}
}

// Extract reads one document and returns its validated extraction. Documents
// the model marks not relevant skip validation; everything else must satisfy
// the schema or the error is a *SchemaValidationError.
func (e *Extractor) Extract(ctx context.Context, doc *federalregister.Document, text string) (*Extraction, error) {
	if len(text) > maxDocBytes {
		text = text[:maxDocBytes]
	}

	resp, err := e.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(extractionSystemPrompt),
		Messages: []anthropic.Message{{
			Role: "user",
			Content: fmt.Sprintf("Document %s: %s\n\n%s",
				doc.DocumentNumber, doc.Title, text),
		}},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "regsync: extract %s", doc.DocumentNumber)
	}
	resp.Usage.LogCost(e.model, "registry-extract")

	var ext Extraction
	if err := json.Unmarshal([]byte(cleanJSON(contentText(resp))), &ext); err != nil {
		return nil, eris.Wrapf(err, "regsync: parse extraction %s", doc.DocumentNumber)
	}
	if !ext.Relevant {
		return &ext, nil
	}
	if err := validateExtraction(&ext); err != nil {
		return nil, err
	}
	return &ext, nil
}

func validateExtraction(ext *Extraction) error {
	if _, err := model.ParsePolicyType(ext.PolicyType); err != nil {
		return &SchemaValidationError{Field: "policy_type", Reason: fmt.Sprintf("unknown value %q", ext.PolicyType)}
	}
	if ext.RateValue < 0 {
		return &SchemaValidationError{Field: "rate_value", Reason: "negative rate"}
	}
	if len(ext.AffectedHSCodes) == 0 {
		return &SchemaValidationError{Field: "affected_hs_codes", Reason: "empty"}
	}
	for _, code := range ext.AffectedHSCodes {
		if _, err := model.NormalizeHSCode(code); err != nil {
			return &SchemaValidationError{Field: "affected_hs_codes", Reason: fmt.Sprintf("malformed code %q", code)}
		}
	}
	for _, exc := range ext.Exceptions {
		if exc.Party == "" {
			return &SchemaValidationError{Field: "exceptions", Reason: "exception with empty party"}
		}
		if exc.RateValue < 0 {
			return &SchemaValidationError{Field: "exceptions", Reason: fmt.Sprintf("negative rate for %q", exc.Party)}
		}
	}
	return nil
}

// contentText concatenates the text blocks of a response.
func contentText(resp *anthropic.MessageResponse) string {
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
