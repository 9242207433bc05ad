package regsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/pkg/federalregister"
)

// JobName is the persisted lock and sync-log identifier for this job.
const JobName = "registry-sync"

// ErrSyncInProgress is returned when another holder owns the job lock.
var ErrSyncInProgress = eris.New("regsync: sync already in progress")

// Store is the slice of the cache store the sync job uses.
type Store interface {
	UpsertRate(ctx context.Context, rate *model.TariffRate) (*model.ChangeEvent, error)
	SeenDocument(ctx context.Context, docID string) (bool, error)
	RecordDocument(ctx context.Context, docID string, docDate time.Time, disposition string) error
	AcquireJobLock(ctx context.Context, job, holder string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, job, holder string) error
	StartSync(ctx context.Context, job string) (int64, error)
	CompleteSync(ctx context.Context, syncID int64, outcome *store.SyncOutcome) error
	FailSync(ctx context.Context, syncID int64, errMsg string) error
}

// Outcome summarizes one sync run.
type Outcome struct {
	Scanned  int // unique documents in the window
	Applied  int
	Rejected int
	NoOp     int
	Upserted int // cache rows written
	Events   int // change events emitted
}

// Syncer runs the registry sync job.
type Syncer struct {
	store     Store
	registry  federalregister.Client
	extractor *Extractor
	cfg       config.RegistryConfig
	cache     config.CacheConfig

	// OnChange is invoked for every change event an upsert produces.
	OnChange func(ctx context.Context, event *model.ChangeEvent)

	// Force reprocesses documents already in the ledger.
	Force bool

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a syncer.
func New(s Store, registry federalregister.Client, ex *Extractor, regCfg config.RegistryConfig, cacheCfg config.CacheConfig) *Syncer {
	if regCfg.WindowDays <= 0 {
		regCfg.WindowDays = 90
	}
	if regCfg.Concurrency <= 0 {
		regCfg.Concurrency = 3
	}
	if regCfg.LockTTLMinutes <= 0 {
		regCfg.LockTTLMinutes = 30
	}
	return &Syncer{
		store:     s,
		registry:  registry,
		extractor: ex,
		cfg:       regCfg,
		cache:     cacheCfg,
		nowFunc:   time.Now,
	}
}

// Run executes one sync under the persisted job lock. Per-document failures
// are logged and skipped so one bad document cannot poison the run; documents
// that fail transiently stay unrecorded and are retried next run.
func (s *Syncer) Run(ctx context.Context) (*Outcome, error) {
	holder := syncLockHolder()
	ttl := time.Duration(s.cfg.LockTTLMinutes) * time.Minute
	ok, err := s.store.AcquireJobLock(ctx, JobName, holder, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := s.store.ReleaseJobLock(releaseCtx, JobName, holder); err != nil {
			zap.L().Warn("registry sync: release lock", zap.Error(err))
		}
	}()

	syncID, err := s.store.StartSync(ctx, JobName)
	if err != nil {
		return nil, err
	}

	outcome, err := s.run(ctx)
	if err != nil {
		if failErr := s.store.FailSync(context.WithoutCancel(ctx), syncID, err.Error()); failErr != nil {
			zap.L().Warn("registry sync: record failure", zap.Error(failErr))
		}
		return nil, err
	}

	if err := s.store.CompleteSync(ctx, syncID, &store.SyncOutcome{
		DocsScanned: int64(outcome.Scanned),
		RatesUpsert: int64(outcome.Upserted),
		Metadata: map[string]any{
			"applied":  outcome.Applied,
			"rejected": outcome.Rejected,
			"no_op":    outcome.NoOp,
			"events":   outcome.Events,
		},
	}); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Syncer) run(ctx context.Context) (*Outcome, error) {
	since := s.nowFunc().UTC().AddDate(0, 0, -s.cfg.WindowDays)
	log := zap.L().With(zap.Time("window_start", since))

	docs, err := s.listWindow(ctx, since)
	if err != nil {
		return nil, err
	}
	log.Info("registry sync: window listed", zap.Int("documents", len(docs)))

	outcome := &Outcome{Scanned: len(docs)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i := range docs {
		doc := &docs[i]
		g.Go(func() error {
			res, err := s.processDocument(gctx, doc)
			if err != nil {
				// Transient failure: leave unrecorded for the next run.
				log.Warn("registry sync: document skipped",
					zap.String("document", doc.DocumentNumber),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			switch res.disposition {
			case store.DispositionApplied:
				outcome.Applied++
			case store.DispositionRejected:
				outcome.Rejected++
			case store.DispositionNoOp:
				outcome.NoOp++
			}
			outcome.Upserted += res.upserted
			outcome.Events += res.events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcome, nil
}

// listWindow searches every configured topic and deduplicates results by
// document number. Topics overlap heavily; a steel proclamation matches both
// "tariff" and "proclamation".
func (s *Syncer) listWindow(ctx context.Context, since time.Time) ([]federalregister.Document, error) {
	seen := make(map[string]bool)
	var docs []federalregister.Document
	for _, topic := range s.cfg.Topics {
		results, err := s.registry.ListDocuments(ctx, federalregister.SearchQuery{
			Term:           topic,
			PublishedSince: since,
			MaxDocuments:   s.cfg.MaxDocuments,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "regsync: list topic %q", topic)
		}
		for _, d := range results {
			if seen[d.DocumentNumber] {
				continue
			}
			seen[d.DocumentNumber] = true
			docs = append(docs, d)
		}
	}
	return docs, nil
}

type docResult struct {
	disposition string
	upserted    int
	events      int
}

func (s *Syncer) processDocument(ctx context.Context, doc *federalregister.Document) (*docResult, error) {
	if !s.Force {
		seen, err := s.store.SeenDocument(ctx, doc.DocumentNumber)
		if err != nil {
			return nil, err
		}
		if seen {
			// Already handled by a previous run.
			return &docResult{}, nil
		}
	}

	text, err := s.registry.GetRawText(ctx, doc)
	if err != nil {
		return nil, err
	}

	ext, err := s.extractor.Extract(ctx, doc, text)
	if err != nil {
		var schemaErr *SchemaValidationError
		if errors.As(err, &schemaErr) {
			zap.L().Warn("registry sync: extraction rejected",
				zap.String("document", doc.DocumentNumber),
				zap.String("field", schemaErr.Field),
				zap.String("reason", schemaErr.Reason))
			if err := s.store.RecordDocument(ctx, doc.DocumentNumber, doc.PublicationDate.Time, store.DispositionRejected); err != nil {
				return nil, err
			}
			return &docResult{disposition: store.DispositionRejected}, nil
		}
		return nil, err
	}

	if !ext.Relevant {
		if err := s.store.RecordDocument(ctx, doc.DocumentNumber, doc.PublicationDate.Time, store.DispositionNoOp); err != nil {
			return nil, err
		}
		return &docResult{disposition: store.DispositionNoOp}, nil
	}

	res, err := s.applyExtraction(ctx, doc, ext)
	if err != nil {
		return nil, err
	}
	if err := s.store.RecordDocument(ctx, doc.DocumentNumber, doc.PublicationDate.Time, store.DispositionApplied); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Syncer) applyExtraction(ctx context.Context, doc *federalregister.Document, ext *Extraction) (*docResult, error) {
	policy, err := model.ParsePolicyType(ext.PolicyType)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	provenance := doc.HTMLURL
	if provenance == "" {
		provenance = ext.Citation
	}

	var effectiveDate *time.Time
	if ext.EffectiveDate != "" {
		if t, err := time.Parse("2006-01-02", ext.EffectiveDate); err == nil {
			effectiveDate = &t
		}
	}

	var excParty string
	var excRate *float64
	if len(ext.Exceptions) > 0 {
		// The cache models a single carve-out per key.
		excParty = ext.Exceptions[0].Party
		rate := ext.Exceptions[0].RateValue
		excRate = &rate
		if len(ext.Exceptions) > 1 {
			zap.L().Warn("registry sync: multiple exceptions, keeping first",
				zap.String("document", doc.DocumentNumber),
				zap.Int("exceptions", len(ext.Exceptions)))
		}
	}

	res := &docResult{disposition: store.DispositionApplied}
	for _, code := range ext.AffectedHSCodes {
		event, err := s.store.UpsertRate(ctx, &model.TariffRate{
			HSCode:         code,
			PolicyType:     policy,
			RateValue:      ext.RateValue,
			EffectiveDate:  effectiveDate,
			ExpiresAt:      now.Add(s.cache.TTLFor(string(policy))),
			Source:         model.SourceRegistrySync,
			Confidence:     model.ConfidenceOfficial,
			RawProvenance:  provenance,
			ExceptionParty: excParty,
			ExceptionRate:  excRate,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "regsync: apply %s to %s", doc.DocumentNumber, code)
		}
		res.upserted++
		if event != nil {
			res.events++
			zap.L().Info("registry sync: rate changed",
				zap.String("document", doc.DocumentNumber),
				zap.String("hs_code", event.HSCode),
				zap.String("policy", string(event.PolicyType)),
				zap.Float64("old_rate", event.OldRate),
				zap.Float64("new_rate", event.NewRate))
			if s.OnChange != nil {
				s.OnChange(ctx, event)
			}
		}
	}
	return res, nil
}

func syncLockHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
