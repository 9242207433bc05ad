package source

import (
	"context"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

// HTSLookup is the slice of the store the official tier needs.
type HTSLookup interface {
	LookupHTS(ctx context.Context, hsCode string, policy model.PolicyType) (*store.HTSRow, error)
}

// OfficialDB answers from the locally loaded tariff schedule reference
// table. It never goes to the network; freshness comes from the loadhts job.
type OfficialDB struct {
	store HTSLookup
}

// NewOfficialDB creates the official-schedule tier.
func NewOfficialDB(s HTSLookup) *OfficialDB {
	return &OfficialDB{store: s}
}

func (o *OfficialDB) Name() string { return "official-db" }

func (o *OfficialDB) Lookup(ctx context.Context, hsCode string, policy model.PolicyType) (*RateQuote, error) {
	row, err := o.store.LookupHTS(ctx, hsCode, policy)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNoRate
	}
	return &RateQuote{
		RateValue:  row.RateValue,
		Source:     model.SourceOfficialDB,
		Confidence: model.ConfidenceOfficial,
		Provenance: row.SourceURL,
	}, nil
}
