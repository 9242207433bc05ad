// Package sweep implements the staleness sweep job: expired cache entries
// are flagged stale and one batched alert per duty regime is emitted.
package sweep

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

// JobName is the persisted lock and sync-log identity of the sweep job.
const JobName = "staleness-sweep"

// staleReason is recorded on every entry the sweep flags.
const staleReason = "ttl expired"

// ErrSweepInProgress is returned when another holder owns the sweep lock.
var ErrSweepInProgress = eris.New("sweep: another sweep holds the job lock")

// Store is the slice of the store the sweeper needs.
type Store interface {
	ListExpired(ctx context.Context, asOf time.Time) ([]model.TariffRate, error)
	MarkStale(ctx context.Context, hsCode string, policy model.PolicyType, reason string, scanStart time.Time) (bool, error)
	AcquireJobLock(ctx context.Context, job, holder string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, job, holder string) error
	StartSync(ctx context.Context, job string) (int64, error)
	CompleteSync(ctx context.Context, syncID int64, outcome *store.SyncOutcome) error
	FailSync(ctx context.Context, syncID int64, errMsg string) error
}

// StaleAlerter emits the per-policy batched stale alert.
type StaleAlerter interface {
	EmitStaleBatch(ctx context.Context, policy model.PolicyType, codes []string, asOf time.Time) (bool, error)
}

// Outcome summarizes one sweep run.
type Outcome struct {
	Scanned int
	Marked  int
	Alerts  int
}

// Sweeper marks expired entries stale.
type Sweeper struct {
	store   Store
	alerter StaleAlerter
	lockTTL time.Duration

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a sweeper. lockTTL bounds how long a crashed run can block
// the next one.
func New(s Store, a StaleAlerter, lockTTL time.Duration) *Sweeper {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &Sweeper{store: s, alerter: a, lockTTL: lockTTL, nowFunc: time.Now}
}

// Run executes one sweep. The scan-start timestamp guards every MarkStale:
// entries refreshed after the sweep began are left alone, and re-running a
// sweep is a no-op for entries already flagged.
func (s *Sweeper) Run(ctx context.Context) (*Outcome, error) {
	holder := lockHolder()
	ok, err := s.store.AcquireJobLock(ctx, JobName, holder, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSweepInProgress
	}
	defer func() {
		if err := s.store.ReleaseJobLock(context.WithoutCancel(ctx), JobName, holder); err != nil {
			zap.L().Error("sweep: release job lock", zap.Error(err))
		}
	}()

	syncID, err := s.store.StartSync(ctx, JobName)
	if err != nil {
		return nil, err
	}

	outcome, err := s.run(ctx)
	if err != nil {
		if ferr := s.store.FailSync(context.WithoutCancel(ctx), syncID, err.Error()); ferr != nil {
			zap.L().Error("sweep: record failure", zap.Error(ferr))
		}
		return nil, err
	}

	if err := s.store.CompleteSync(ctx, syncID, &store.SyncOutcome{
		DocsScanned: int64(outcome.Scanned),
		RatesUpsert: int64(outcome.Marked),
		Metadata:    map[string]any{"alerts": outcome.Alerts},
	}); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (s *Sweeper) run(ctx context.Context) (*Outcome, error) {
	scanStart := s.nowFunc().UTC()
	log := zap.L().With(zap.Time("scan_start", scanStart))

	expired, err := s.store.ListExpired(ctx, scanStart)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{Scanned: len(expired)}
	if len(expired) == 0 {
		log.Info("sweep: nothing expired")
		return outcome, nil
	}

	// Codes actually flagged this run, per policy. Entries refreshed since
	// the scan started fail the MarkStale guard and drop out here.
	markedByPolicy := make(map[model.PolicyType][]string)
	for _, r := range expired {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		marked, err := s.store.MarkStale(ctx, r.HSCode, r.PolicyType, staleReason, scanStart)
		if err != nil {
			return outcome, eris.Wrapf(err, "sweep: mark %s/%s", r.HSCode, r.PolicyType)
		}
		if marked {
			outcome.Marked++
			markedByPolicy[r.PolicyType] = append(markedByPolicy[r.PolicyType], r.HSCode)
		}
	}

	for _, policy := range model.AllPolicyTypes {
		codes := markedByPolicy[policy]
		if len(codes) == 0 {
			continue
		}
		inserted, err := s.alerter.EmitStaleBatch(ctx, policy, codes, scanStart)
		if err != nil {
			return outcome, eris.Wrapf(err, "sweep: alert for %s", policy)
		}
		if inserted {
			outcome.Alerts++
		}
	}

	log.Info("sweep complete",
		zap.Int("scanned", outcome.Scanned),
		zap.Int("marked", outcome.Marked),
		zap.Int("alerts", outcome.Alerts))
	return outcome, nil
}

// lockHolder identifies this process in the job_locks table.
func lockHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
