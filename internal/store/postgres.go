package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection. The
// rate lookup is the resolver hot path.
var preparedStatements = map[string]string{
	"get_rate": `SELECT hs_code, policy_type, rate_value, effective_date, expires_at, source, confidence,
	                    is_stale, stale_reason, fetched_at, raw_provenance, exception_party, exception_rate
	             FROM tariff_rates WHERE hs_code = $1 AND policy_type = $2`,
	"lookup_hts": `SELECT hs_code, policy_type, rate_value, description, source_url, loaded_at
	               FROM hts_rates WHERE hs_code = $1 AND policy_type = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., the HTS bulk loader).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tariff_rates (
	hs_code         TEXT NOT NULL,
	policy_type     TEXT NOT NULL,
	rate_value      DOUBLE PRECISION NOT NULL,
	effective_date  TIMESTAMPTZ,
	expires_at      TIMESTAMPTZ NOT NULL,
	source          TEXT NOT NULL,
	confidence      TEXT NOT NULL,
	is_stale        BOOLEAN NOT NULL DEFAULT false,
	stale_reason    TEXT NOT NULL DEFAULT '',
	fetched_at      TIMESTAMPTZ NOT NULL,
	raw_provenance  TEXT NOT NULL DEFAULT '',
	exception_party TEXT NOT NULL DEFAULT '',
	exception_rate  DOUBLE PRECISION,
	PRIMARY KEY (hs_code, policy_type)
);

CREATE TABLE IF NOT EXISTS change_events (
	id                BIGSERIAL PRIMARY KEY,
	hs_code           TEXT NOT NULL,
	policy_type       TEXT NOT NULL,
	old_rate          DOUBLE PRECISION NOT NULL,
	new_rate          DOUBLE PRECISION NOT NULL,
	delta_percent     DOUBLE PRECISION NOT NULL,
	detected_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	triggering_source TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_records (
	id              TEXT PRIMARY KEY,
	alert_type      TEXT NOT NULL,
	affected_codes  JSONB NOT NULL,
	severity        TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	dispatched      BOOLEAN NOT NULL DEFAULT false,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload         BYTEA
);

CREATE TABLE IF NOT EXISTS processed_documents (
	doc_id       TEXT PRIMARY KEY,
	doc_date     TIMESTAMPTZ,
	disposition  TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_locks (
	job        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id             BIGSERIAL PRIMARY KEY,
	job            TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ,
	docs_scanned   BIGINT NOT NULL DEFAULT 0,
	rates_upserted BIGINT NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	metadata       JSONB
);

CREATE TABLE IF NOT EXISTS hts_rates (
	hs_code     TEXT NOT NULL,
	policy_type TEXT NOT NULL,
	rate_value  DOUBLE PRECISION NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	source_url  TEXT NOT NULL DEFAULT '',
	loaded_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (hs_code, policy_type)
);

CREATE INDEX IF NOT EXISTS idx_tariff_rates_expires ON tariff_rates(expires_at) WHERE is_stale = false;
CREATE INDEX IF NOT EXISTS idx_change_events_detected ON change_events(detected_at);
CREATE INDEX IF NOT EXISTS idx_alert_records_dispatched ON alert_records(dispatched) WHERE dispatched = false;
CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetRate(ctx context.Context, hsCode string, policy model.PolicyType) (*model.TariffRate, error) {
	code, err := model.NormalizeHSCode(hsCode)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT hs_code, policy_type, rate_value, effective_date, expires_at, source, confidence,
		        is_stale, stale_reason, fetched_at, raw_provenance, exception_party, exception_rate
		 FROM tariff_rates WHERE hs_code = $1 AND policy_type = $2`,
		code, string(policy),
	)
	r, err := scanRatePG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get rate %s/%s", code, policy)
	}
	return r, nil
}

func (s *PostgresStore) UpsertRate(ctx context.Context, rate *model.TariffRate) (*model.ChangeEvent, error) {
	code, err := model.NormalizeHSCode(rate.HSCode)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var oldRate float64
	hadOld := true
	err = tx.QueryRow(ctx,
		`SELECT rate_value FROM tariff_rates WHERE hs_code = $1 AND policy_type = $2 FOR UPDATE`,
		code, string(rate.PolicyType),
	).Scan(&oldRate)
	if errors.Is(err, pgx.ErrNoRows) {
		hadOld = false
	} else if err != nil {
		return nil, eris.Wrap(err, "postgres: read prior rate")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO tariff_rates (hs_code, policy_type, rate_value, effective_date, expires_at,
		                           source, confidence, is_stale, stale_reason, fetched_at,
		                           raw_provenance, exception_party, exception_rate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false, '', $8, $9, $10, $11)
		 ON CONFLICT (hs_code, policy_type) DO UPDATE SET
		   rate_value = EXCLUDED.rate_value,
		   effective_date = EXCLUDED.effective_date,
		   expires_at = EXCLUDED.expires_at,
		   source = EXCLUDED.source,
		   confidence = EXCLUDED.confidence,
		   is_stale = false,
		   stale_reason = '',
		   fetched_at = EXCLUDED.fetched_at,
		   raw_provenance = EXCLUDED.raw_provenance,
		   exception_party = EXCLUDED.exception_party,
		   exception_rate = EXCLUDED.exception_rate`,
		code, string(rate.PolicyType), rate.RateValue, rate.EffectiveDate, rate.ExpiresAt.UTC(),
		string(rate.Source), string(rate.Confidence), now,
		rate.RawProvenance, rate.ExceptionParty, rate.ExceptionRate,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert rate %s/%s", code, rate.PolicyType)
	}

	var event *model.ChangeEvent
	if hadOld && oldRate != rate.RateValue {
		event = &model.ChangeEvent{
			HSCode:           code,
			PolicyType:       rate.PolicyType,
			OldRate:          oldRate,
			NewRate:          rate.RateValue,
			DeltaPercent:     rate.RateValue - oldRate,
			DetectedAt:       now,
			TriggeringSource: rate.Source,
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO change_events (hs_code, policy_type, old_rate, new_rate, delta_percent, detected_at, triggering_source)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			event.HSCode, string(event.PolicyType), event.OldRate, event.NewRate,
			event.DeltaPercent, event.DetectedAt, string(event.TriggeringSource),
		).Scan(&event.ID)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: insert change event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit upsert")
	}

	rate.HSCode = code
	rate.FetchedAt = now
	rate.IsStale = false
	rate.StaleReason = ""
	return event, nil
}

func (s *PostgresStore) MarkStale(ctx context.Context, hsCode string, policy model.PolicyType, reason string, scanStart time.Time) (bool, error) {
	code, err := model.NormalizeHSCode(hsCode)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tariff_rates SET is_stale = true, stale_reason = $1
		 WHERE hs_code = $2 AND policy_type = $3 AND is_stale = false AND fetched_at < $4`,
		reason, code, string(policy), scanStart.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark stale %s/%s", code, policy)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, asOf time.Time) ([]model.TariffRate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hs_code, policy_type, rate_value, effective_date, expires_at, source, confidence,
		        is_stale, stale_reason, fetched_at, raw_provenance, exception_party, exception_rate
		 FROM tariff_rates WHERE expires_at <= $1 AND is_stale = false
		 ORDER BY policy_type, hs_code`,
		asOf.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list expired")
	}
	defer rows.Close()

	var out []model.TariffRate
	for rows.Next() {
		r, err := scanRatePG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan expired rate")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListChangeEventsSince(ctx context.Context, since time.Time) ([]model.ChangeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, hs_code, policy_type, old_rate, new_rate, delta_percent, detected_at, triggering_source
		 FROM change_events WHERE detected_at >= $1 ORDER BY detected_at`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list change events")
	}
	defer rows.Close()

	var out []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		var policy, source string
		if err := rows.Scan(&e.ID, &e.HSCode, &policy, &e.OldRate, &e.NewRate, &e.DeltaPercent, &e.DetectedAt, &source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change event")
		}
		e.PolicyType = model.PolicyType(policy)
		e.TriggeringSource = model.RateSource(source)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertAlert(ctx context.Context, alert *model.AlertRecord) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	codesJSON, err := json.Marshal(alert.AffectedCodes)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal affected codes")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO alert_records (id, alert_type, affected_codes, severity, created_at, dispatched, idempotency_key, payload)
		 VALUES ($1, $2, $3, $4, $5, false, $6, $7)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		alert.ID, string(alert.Type), codesJSON, string(alert.Severity),
		alert.CreatedAt, alert.IdempotencyKey, alert.Payload,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert alert")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkAlertDispatched(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alert_records SET dispatched = true WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark alert dispatched %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("alert not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListUndispatchedAlerts(ctx context.Context) ([]model.AlertRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, alert_type, affected_codes, severity, created_at, dispatched, idempotency_key, payload
		 FROM alert_records WHERE dispatched = false ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list undispatched alerts")
	}
	defer rows.Close()

	var out []model.AlertRecord
	for rows.Next() {
		var a model.AlertRecord
		var alertType, severity string
		var codesJSON []byte
		if err := rows.Scan(&a.ID, &alertType, &codesJSON, &severity, &a.CreatedAt, &a.Dispatched, &a.IdempotencyKey, &a.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		a.Type = model.AlertType(alertType)
		a.Severity = model.Severity(severity)
		if err := json.Unmarshal(codesJSON, &a.AffectedCodes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal affected codes")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SeenDocument(ctx context.Context, docID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM processed_documents WHERE doc_id = $1`, docID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: seen document %s", docID)
	}
	return true, nil
}

func (s *PostgresStore) RecordDocument(ctx context.Context, docID string, docDate time.Time, disposition string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_documents (doc_id, doc_date, disposition, processed_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (doc_id) DO UPDATE SET disposition = EXCLUDED.disposition, processed_at = EXCLUDED.processed_at`,
		docID, docDate.UTC(), disposition,
	)
	return eris.Wrapf(err, "postgres: record document %s", docID)
}

func (s *PostgresStore) AcquireJobLock(ctx context.Context, job, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO job_locks (job, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (job) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		 WHERE job_locks.expires_at <= $4`,
		job, holder, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lock %s", job)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseJobLock(ctx context.Context, job, holder string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM job_locks WHERE job = $1 AND holder = $2`, job, holder)
	return eris.Wrapf(err, "postgres: release lock %s", job)
}

func (s *PostgresStore) StartSync(ctx context.Context, job string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sync_log (job, status, started_at) VALUES ($1, 'running', now()) RETURNING id`,
		job,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: start sync %s", job)
	}
	return id, nil
}

func (s *PostgresStore) CompleteSync(ctx context.Context, syncID int64, outcome *SyncOutcome) error {
	var docs, rates int64
	var metaJSON []byte
	if outcome != nil {
		docs = outcome.DocsScanned
		rates = outcome.RatesUpsert
		if outcome.Metadata != nil {
			var err error
			metaJSON, err = json.Marshal(outcome.Metadata)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal sync metadata")
			}
		}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_log SET status = 'complete', completed_at = now(), docs_scanned = $1, rates_upserted = $2, metadata = $3
		 WHERE id = $4`,
		docs, rates, metaJSON, syncID,
	)
	return eris.Wrapf(err, "postgres: complete sync %d", syncID)
}

func (s *PostgresStore) FailSync(ctx context.Context, syncID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_log SET status = 'failed', completed_at = now(), error = $1 WHERE id = $2`,
		errMsg, syncID,
	)
	return eris.Wrapf(err, "postgres: fail sync %d", syncID)
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, job, status, started_at, completed_at, docs_scanned, rates_upserted, error, metadata
		 FROM sync_log ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sync runs")
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var r SyncRun
		var completedAt *time.Time
		var metaJSON []byte
		if err := rows.Scan(&r.ID, &r.Job, &r.Status, &r.StartedAt, &completedAt, &r.DocsScanned, &r.RatesUpsert, &r.Error, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync run")
		}
		r.CompletedAt = completedAt
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LookupHTS(ctx context.Context, hsCode string, policy model.PolicyType) (*HTSRow, error) {
	code, err := model.NormalizeHSCode(hsCode)
	if err != nil {
		return nil, err
	}

	var r HTSRow
	var policyStr string
	err = s.pool.QueryRow(ctx,
		`SELECT hs_code, policy_type, rate_value, description, source_url, loaded_at
		 FROM hts_rates WHERE hs_code = $1 AND policy_type = $2`,
		code, string(policy),
	).Scan(&r.HSCode, &policyStr, &r.RateValue, &r.Description, &r.SourceURL, &r.LoadedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lookup hts %s/%s", code, policy)
	}
	r.PolicyType = model.PolicyType(policyStr)
	return &r, nil
}

func (s *PostgresStore) CountHTS(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM hts_rates`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count hts")
}

// UpsertHTS bulk-loads reference rows into hts_rates via the shared temp-table
// upsert helper.
func (s *PostgresStore) UpsertHTS(ctx context.Context, rows []HTSRow) (int64, error) {
	now := time.Now().UTC()
	data := make([][]any, 0, len(rows))
	for _, r := range rows {
		code, err := model.NormalizeHSCode(r.HSCode)
		if err != nil {
			continue // malformed schedule row, skip
		}
		data = append(data, []any{code, string(r.PolicyType), r.RateValue, r.Description, r.SourceURL, now})
	}

	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "hts_rates",
		Columns:      []string{"hs_code", "policy_type", "rate_value", "description", "source_url", "loaded_at"},
		ConflictKeys: []string{"hs_code", "policy_type"},
	}, data)
}

// scanRatePG scans a tariff_rates row from pgx.
func scanRatePG(row pgx.Row) (*model.TariffRate, error) {
	var r model.TariffRate
	var policy, source, confidence string
	var effectiveDate *time.Time
	var exceptionRate *float64

	err := row.Scan(&r.HSCode, &policy, &r.RateValue, &effectiveDate, &r.ExpiresAt, &source, &confidence,
		&r.IsStale, &r.StaleReason, &r.FetchedAt, &r.RawProvenance, &r.ExceptionParty, &exceptionRate)
	if err != nil {
		return nil, err
	}
	r.PolicyType = model.PolicyType(policy)
	r.Source = model.RateSource(source)
	r.Confidence = model.Confidence(confidence)
	r.EffectiveDate = effectiveDate
	r.ExceptionRate = exceptionRate
	return &r, nil
}
