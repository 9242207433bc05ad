package source

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/pkg/perplexity"
)

const researchPrompt = `What is the current United States %s tariff rate for HS code %s?
Answer with ONLY a JSON object:
{"found": bool, "rate_value": number, "effective_date": "YYYY-MM-DD" or null, "citation": string}
rate_value is the ad valorem duty as a percentage. Cite the most authoritative
source you used. If you cannot determine a current rate, set found to false.`

// Research is the last-resort tier: a web-grounded model answers when no
// structured or scrapeable source has the key. Its quotes are marked
// estimated and get a shortened TTL so they are re-verified soon.
type Research struct {
	client perplexity.Client
	model  string
}

// NewResearch creates the AI research tier.
func NewResearch(c perplexity.Client, researchModel string) *Research {
	return &Research{client: c, model: researchModel}
}

func (r *Research) Name() string { return "ai-research" }

type researchAnswer struct {
	Found         bool    `json:"found"`
	RateValue     float64 `json:"rate_value"`
	EffectiveDate string  `json:"effective_date"`
	Citation      string  `json:"citation"`
}

// researchDomains restricts the model's web search to authoritative tariff
// sources.
var researchDomains = []string{"hts.usitc.gov", "usitc.gov", "federalregister.gov", "cbp.gov", "ustr.gov"}

func (r *Research) Lookup(ctx context.Context, hsCode string, policy model.PolicyType) (*RateQuote, error) {
	temp := 0.0
	resp, err := r.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model: r.model,
		Messages: []perplexity.Message{
			{Role: "user", Content: fmt.Sprintf(researchPrompt, policy, hsCode)},
		},
		Temperature:        &temp,
		SearchDomainFilter: researchDomains,
	})
	if err != nil {
		return nil, eris.Wrap(err, "research: chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("research: empty response")
	}

	var ans researchAnswer
	if err := json.Unmarshal([]byte(cleanJSON(resp.Choices[0].Message.Content)), &ans); err != nil {
		return nil, eris.Wrap(err, "research: parse answer")
	}
	if !ans.Found {
		return nil, ErrNoRate
	}
	if ans.RateValue < 0 {
		return nil, eris.Errorf("research: negative rate %.2f for %s", ans.RateValue, hsCode)
	}

	provenance := ans.Citation
	if provenance == "" && len(resp.Citations) > 0 {
		provenance = resp.Citations[0]
	}
	quote := &RateQuote{
		RateValue:  ans.RateValue,
		Source:     model.SourceAIResearch,
		Confidence: model.ConfidenceEstimated,
		Provenance: provenance,
	}
	if ans.EffectiveDate != "" {
		if t, err := time.Parse("2006-01-02", ans.EffectiveDate); err == nil {
			quote.EffectiveDate = &t
		} else {
			zap.L().Debug("research: unparseable effective date",
				zap.String("hs_code", hsCode),
				zap.String("value", ans.EffectiveDate))
		}
	}
	return quote, nil
}
