// Package store persists the tariff cache and its audit trail: rates,
// change events, alert records, the processed-document ledger, job locks,
// and the sync log. Backends: Postgres (pgx) and SQLite (modernc).
package store

import (
	"context"
	"time"

	"github.com/sells-group/tariff-cli/internal/model"
)

// HTSRow is one entry of the official tariff schedule reference table,
// loaded from USITC exports. It backs the OFFICIAL_DB resolution tier.
type HTSRow struct {
	HSCode      string           `json:"hs_code"`
	PolicyType  model.PolicyType `json:"policy_type"`
	RateValue   float64          `json:"rate_value"`
	Description string           `json:"description,omitempty"`
	SourceURL   string           `json:"source_url,omitempty"`
	LoadedAt    time.Time        `json:"loaded_at"`
}

// SyncRun is one row of the sync log.
type SyncRun struct {
	ID          int64          `json:"id"`
	Job         string         `json:"job"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DocsScanned int64          `json:"docs_scanned"`
	RatesUpsert int64          `json:"rates_upserted"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SyncOutcome summarizes a completed sync run.
type SyncOutcome struct {
	DocsScanned int64          `json:"docs_scanned"`
	RatesUpsert int64          `json:"rates_upserted"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Store defines the persistence interface for the tariff resolution core.
//
// Rate rows are never hard-deleted: superseded values live on in
// change_events, and expiry is expressed by the is_stale flag.
type Store interface {
	// Tariff cache
	GetRate(ctx context.Context, hsCode string, policy model.PolicyType) (*model.TariffRate, error)
	// UpsertRate atomically inserts or updates the row for the rate's
	// (hs_code, policy_type) key, stamping fetched_at and clearing
	// is_stale. When the stored rate_value changes it appends a
	// ChangeEvent in the same transaction and returns it; otherwise the
	// returned event is nil.
	UpsertRate(ctx context.Context, rate *model.TariffRate) (*model.ChangeEvent, error)
	// MarkStale flags an entry stale with a reason. It is idempotent and
	// guarded: only rows whose fetched_at predates scanStart transition,
	// so a resolver upsert racing a sweep always wins. Returns whether a
	// row actually transitioned.
	MarkStale(ctx context.Context, hsCode string, policy model.PolicyType, reason string, scanStart time.Time) (bool, error)
	ListExpired(ctx context.Context, asOf time.Time) ([]model.TariffRate, error)

	// Change events (append-only)
	ListChangeEventsSince(ctx context.Context, since time.Time) ([]model.ChangeEvent, error)

	// Alert records (append-only, idempotency-keyed)
	InsertAlert(ctx context.Context, alert *model.AlertRecord) (bool, error)
	MarkAlertDispatched(ctx context.Context, id string) error
	ListUndispatchedAlerts(ctx context.Context) ([]model.AlertRecord, error)

	// Processed-document ledger (registry sync idempotency)
	SeenDocument(ctx context.Context, docID string) (bool, error)
	RecordDocument(ctx context.Context, docID string, docDate time.Time, disposition string) error

	// Job locks (cross-instance mutual exclusion)
	AcquireJobLock(ctx context.Context, job, holder string, ttl time.Duration) (bool, error)
	ReleaseJobLock(ctx context.Context, job, holder string) error

	// Sync log
	StartSync(ctx context.Context, job string) (int64, error)
	CompleteSync(ctx context.Context, syncID int64, outcome *SyncOutcome) error
	FailSync(ctx context.Context, syncID int64, errMsg string) error
	ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error)

	// HTS reference (official structured database tier)
	LookupHTS(ctx context.Context, hsCode string, policy model.PolicyType) (*HTSRow, error)
	UpsertHTS(ctx context.Context, rows []HTSRow) (int64, error)
	CountHTS(ctx context.Context) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Document dispositions recorded in the processed-document ledger.
const (
	DispositionApplied  = "applied"
	DispositionRejected = "rejected"
	DispositionNoOp     = "no_op"
)
