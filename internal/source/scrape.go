package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/pkg/anthropic"
)

// maxPageBytes caps how much of a scraped page is sent to extraction.
const maxPageBytes = 256 * 1024

const scrapeSystemPrompt = `You extract tariff duty rates from official government tariff pages.
Given page text and a target HS code plus duty regime, respond with ONLY a JSON object:
{"found": bool, "rate_value": number, "effective_date": "YYYY-MM-DD" or null, "source_note": string}
rate_value is the ad valorem duty as a percentage (e.g. 2.9 for 2.9%). If the page
does not state a rate for the exact code and regime, set found to false. Never guess.`

// WebScrape fetches the official tariff site page for a code and extracts
// the rate with a language model. It sits below the structured reference and
// above AI research in the tier order.
type WebScrape struct {
	fetcher   fetcher.Fetcher
	llm       anthropic.Client
	breaker   *resilience.CircuitBreaker
	urlFormat string // %s = normalized HS code
	model     string
	maxTokens int64
}

// NewWebScrape creates the scrape tier. urlFormat must contain one %s verb
// for the HS code.
func NewWebScrape(f fetcher.Fetcher, llm anthropic.Client, urlFormat, extractModel string, maxTokens int64) *WebScrape {
	return &WebScrape{
		fetcher:   f,
		llm:       llm,
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		urlFormat: urlFormat,
		model:     extractModel,
		maxTokens: maxTokens,
	}
}

func (w *WebScrape) Name() string { return "web-scrape" }

type scrapeExtraction struct {
	Found         bool    `json:"found"`
	RateValue     float64 `json:"rate_value"`
	EffectiveDate string  `json:"effective_date"`
	SourceNote    string  `json:"source_note"`
}

func (w *WebScrape) Lookup(ctx context.Context, hsCode string, policy model.PolicyType) (*RateQuote, error) {
	pageURL := fmt.Sprintf(w.urlFormat, hsCode)

	body, err := w.fetcher.Download(ctx, pageURL)
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: fetch %s", pageURL)
	}
	defer body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(body, maxPageBytes))
	if err != nil {
		return nil, eris.Wrap(err, "scrape: read page")
	}
	if len(raw) == 0 {
		return nil, ErrNoRate
	}

	ext, err := resilience.ExecuteVal(ctx, w.breaker, func(ctx context.Context) (*scrapeExtraction, error) {
		return w.extract(ctx, string(raw), hsCode, policy)
	})
	if err != nil {
		return nil, err
	}
	if !ext.Found {
		return nil, ErrNoRate
	}

	quote := &RateQuote{
		RateValue:  ext.RateValue,
		Source:     model.SourceWebScrape,
		Confidence: model.ConfidenceOfficial,
		Provenance: pageURL,
	}
	if ext.EffectiveDate != "" {
		if t, err := time.Parse("2006-01-02", ext.EffectiveDate); err == nil {
			quote.EffectiveDate = &t
		} else {
			zap.L().Debug("scrape: unparseable effective date",
				zap.String("hs_code", hsCode),
				zap.String("value", ext.EffectiveDate))
		}
	}
	return quote, nil
}

func (w *WebScrape) extract(ctx context.Context, page, hsCode string, policy model.PolicyType) (*scrapeExtraction, error) {
	resp, err := w.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     w.model,
		MaxTokens: w.maxTokens,
		System:    []anthropic.SystemBlock{{Text: scrapeSystemPrompt}},
		Messages: []anthropic.Message{{
			Role: "user",
			Content: fmt.Sprintf("HS code: %s\nDuty regime: %s\n\nPage text:\n%s",
				hsCode, policy, page),
		}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "scrape: extract rate")
	}
	resp.Usage.LogCost(w.model, "scrape-extract")

	var ext scrapeExtraction
	if err := json.Unmarshal([]byte(cleanJSON(contentText(resp))), &ext); err != nil {
		return nil, eris.Wrap(err, "scrape: parse extraction")
	}
	return &ext, nil
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
