package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tariff-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for local
// and single-instance deployments; the Postgres backend is the production path.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tariff_rates (
	hs_code         TEXT NOT NULL,
	policy_type     TEXT NOT NULL,
	rate_value      REAL NOT NULL,
	effective_date  DATETIME,
	expires_at      DATETIME NOT NULL,
	source          TEXT NOT NULL,
	confidence      TEXT NOT NULL,
	is_stale        INTEGER NOT NULL DEFAULT 0,
	stale_reason    TEXT NOT NULL DEFAULT '',
	fetched_at      DATETIME NOT NULL,
	raw_provenance  TEXT NOT NULL DEFAULT '',
	exception_party TEXT NOT NULL DEFAULT '',
	exception_rate  REAL,
	PRIMARY KEY (hs_code, policy_type)
);

CREATE TABLE IF NOT EXISTS change_events (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	hs_code           TEXT NOT NULL,
	policy_type       TEXT NOT NULL,
	old_rate          REAL NOT NULL,
	new_rate          REAL NOT NULL,
	delta_percent     REAL NOT NULL,
	detected_at       DATETIME NOT NULL,
	triggering_source TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_records (
	id              TEXT PRIMARY KEY,
	alert_type      TEXT NOT NULL,
	affected_codes  TEXT NOT NULL,
	severity        TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	dispatched      INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload         BLOB
);

CREATE TABLE IF NOT EXISTS processed_documents (
	doc_id       TEXT PRIMARY KEY,
	doc_date     DATETIME,
	disposition  TEXT NOT NULL,
	processed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS job_locks (
	job        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	job            TEXT NOT NULL,
	status         TEXT NOT NULL,
	started_at     DATETIME NOT NULL,
	completed_at   DATETIME,
	docs_scanned   INTEGER NOT NULL DEFAULT 0,
	rates_upserted INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	metadata       TEXT
);

CREATE TABLE IF NOT EXISTS hts_rates (
	hs_code     TEXT NOT NULL,
	policy_type TEXT NOT NULL,
	rate_value  REAL NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	source_url  TEXT NOT NULL DEFAULT '',
	loaded_at   DATETIME NOT NULL,
	PRIMARY KEY (hs_code, policy_type)
);

CREATE INDEX IF NOT EXISTS idx_tariff_rates_expires ON tariff_rates(expires_at, is_stale);
CREATE INDEX IF NOT EXISTS idx_change_events_detected ON change_events(detected_at);
CREATE INDEX IF NOT EXISTS idx_alert_records_dispatched ON alert_records(dispatched);
CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetRate(ctx context.Context, hsCode string, policy model.PolicyType) (*model.TariffRate, error) {
	code, err := model.NormalizeHSCode(hsCode)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT hs_code, policy_type, rate_value, effective_date, expires_at, source, confidence,
		        is_stale, stale_reason, fetched_at, raw_provenance, exception_party, exception_rate
		 FROM tariff_rates WHERE hs_code = ? AND policy_type = ?`,
		code, string(policy),
	)
	r, err := scanRateSQL(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get rate %s/%s", code, policy)
	}
	return r, nil
}

func (s *SQLiteStore) UpsertRate(ctx context.Context, rate *model.TariffRate) (*model.ChangeEvent, error) {
	code, err := model.NormalizeHSCode(rate.HSCode)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	var oldRate float64
	hadOld := true
	err = tx.QueryRowContext(ctx,
		`SELECT rate_value FROM tariff_rates WHERE hs_code = ? AND policy_type = ?`,
		code, string(rate.PolicyType),
	).Scan(&oldRate)
	if err == sql.ErrNoRows {
		hadOld = false
	} else if err != nil {
		return nil, eris.Wrap(err, "sqlite: read prior rate")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tariff_rates (hs_code, policy_type, rate_value, effective_date, expires_at,
		                           source, confidence, is_stale, stale_reason, fetched_at,
		                           raw_provenance, exception_party, exception_rate)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, ?, ?)
		 ON CONFLICT (hs_code, policy_type) DO UPDATE SET
		   rate_value = excluded.rate_value,
		   effective_date = excluded.effective_date,
		   expires_at = excluded.expires_at,
		   source = excluded.source,
		   confidence = excluded.confidence,
		   is_stale = 0,
		   stale_reason = '',
		   fetched_at = excluded.fetched_at,
		   raw_provenance = excluded.raw_provenance,
		   exception_party = excluded.exception_party,
		   exception_rate = excluded.exception_rate`,
		code, string(rate.PolicyType), rate.RateValue, rate.EffectiveDate, rate.ExpiresAt.UTC(),
		string(rate.Source), string(rate.Confidence), now,
		rate.RawProvenance, rate.ExceptionParty, rate.ExceptionRate,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert rate %s/%s", code, rate.PolicyType)
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
		res, err := tx.ExecContext(ctx,
			`INSERT INTO change_events (hs_code, policy_type, old_rate, new_rate, delta_percent, detected_at, triggering_source)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			event.HSCode, string(event.PolicyType), event.OldRate, event.NewRate,
			event.DeltaPercent, event.DetectedAt, string(event.TriggeringSource),
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: insert change event")
		}
		if id, err := res.LastInsertId(); err == nil {
			event.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit upsert")
	}

	rate.HSCode = code
	rate.FetchedAt = now
	rate.IsStale = false
	rate.StaleReason = ""
	return event, nil
}

func (s *SQLiteStore) MarkStale(ctx context.Context, hsCode string, policy model.PolicyType, reason string, scanStart time.Time) (bool, error) {
	code, err := model.NormalizeHSCode(hsCode)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tariff_rates SET is_stale = 1, stale_reason = ?
		 WHERE hs_code = ? AND policy_type = ? AND is_stale = 0 AND fetched_at < ?`,
		reason, code, string(policy), scanStart.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark stale %s/%s", code, policy)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: mark stale rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListExpired(ctx context.Context, asOf time.Time) ([]model.TariffRate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hs_code, policy_type, rate_value, effective_date, expires_at, source, confidence,
		        is_stale, stale_reason, fetched_at, raw_provenance, exception_party, exception_rate
		 FROM tariff_rates WHERE expires_at <= ? AND is_stale = 0
		 ORDER BY policy_type, hs_code`,
		asOf.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list expired")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TariffRate
	for rows.Next() {
		r, err := scanRateSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan expired rate")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListChangeEventsSince(ctx context.Context, since time.Time) ([]model.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hs_code, policy_type, old_rate, new_rate, delta_percent, detected_at, triggering_source
		 FROM change_events WHERE detected_at >= ? ORDER BY detected_at`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list change events")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ChangeEvent
	for rows.Next() {
		var e model.ChangeEvent
		var policy, source string
		if err := rows.Scan(&e.ID, &e.HSCode, &policy, &e.OldRate, &e.NewRate, &e.DeltaPercent, &e.DetectedAt, &source); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change event")
		}
		e.PolicyType = model.PolicyType(policy)
		e.TriggeringSource = model.RateSource(source)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertAlert(ctx context.Context, alert *model.AlertRecord) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	codesJSON, err := json.Marshal(alert.AffectedCodes)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal affected codes")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_records (id, alert_type, affected_codes, severity, created_at, dispatched, idempotency_key, payload)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		alert.ID, string(alert.Type), string(codesJSON), string(alert.Severity),
		alert.CreatedAt, alert.IdempotencyKey, alert.Payload,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert alert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert alert rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkAlertDispatched(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_records SET dispatched = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark alert dispatched %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: dispatched rows affected")
	}
	if n == 0 {
		return eris.Errorf("alert not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) ListUndispatchedAlerts(ctx context.Context) ([]model.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, alert_type, affected_codes, severity, created_at, dispatched, idempotency_key, payload
		 FROM alert_records WHERE dispatched = 0 ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list undispatched alerts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AlertRecord
	for rows.Next() {
		var a model.AlertRecord
		var alertType, severity, codesJSON string
		if err := rows.Scan(&a.ID, &alertType, &codesJSON, &severity, &a.CreatedAt, &a.Dispatched, &a.IdempotencyKey, &a.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		a.Type = model.AlertType(alertType)
		a.Severity = model.Severity(severity)
		if err := json.Unmarshal([]byte(codesJSON), &a.AffectedCodes); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal affected codes")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SeenDocument(ctx context.Context, docID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_documents WHERE doc_id = ?`, docID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: seen document %s", docID)
	}
	return true, nil
}

func (s *SQLiteStore) RecordDocument(ctx context.Context, docID string, docDate time.Time, disposition string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_documents (doc_id, doc_date, disposition, processed_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (doc_id) DO UPDATE SET disposition = excluded.disposition, processed_at = excluded.processed_at`,
		docID, docDate.UTC(), disposition, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: record document %s", docID)
}

func (s *SQLiteStore) AcquireJobLock(ctx context.Context, job, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_locks (job, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (job) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE job_locks.expires_at <= ?`,
		job, holder, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lock %s", job)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: acquire lock rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseJobLock(ctx context.Context, job, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE job = ? AND holder = ?`, job, holder)
	return eris.Wrapf(err, "sqlite: release lock %s", job)
}

func (s *SQLiteStore) StartSync(ctx context.Context, job string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (job, status, started_at) VALUES (?, 'running', ?)`,
		job, time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: start sync %s", job)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: sync id")
	}
	return id, nil
}

func (s *SQLiteStore) CompleteSync(ctx context.Context, syncID int64, outcome *SyncOutcome) error {
	var docs, rates int64
	var metaJSON []byte
	if outcome != nil {
		docs = outcome.DocsScanned
		rates = outcome.RatesUpsert
		if outcome.Metadata != nil {
			var err error
			metaJSON, err = json.Marshal(outcome.Metadata)
			if err != nil {
				return eris.Wrap(err, "sqlite: marshal sync metadata")
			}
		}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_log SET status = 'complete', completed_at = ?, docs_scanned = ?, rates_upserted = ?, metadata = ?
		 WHERE id = ?`,
		time.Now().UTC(), docs, rates, metaJSON, syncID,
	)
	return eris.Wrapf(err, "sqlite: complete sync %d", syncID)
}

func (s *SQLiteStore) FailSync(ctx context.Context, syncID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_log SET status = 'failed', completed_at = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), errMsg, syncID,
	)
	return eris.Wrapf(err, "sqlite: fail sync %d", syncID)
}

func (s *SQLiteStore) ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, status, started_at, completed_at, docs_scanned, rates_upserted, error, metadata
		 FROM sync_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sync runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []SyncRun
	for rows.Next() {
		var r SyncRun
		var completedAt sql.NullTime
		var metaJSON []byte
		if err := rows.Scan(&r.ID, &r.Job, &r.Status, &r.StartedAt, &completedAt, &r.DocsScanned, &r.RatesUpsert, &r.Error, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync run")
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LookupHTS(ctx context.Context, hsCode string, policy model.PolicyType) (*HTSRow, error) {
	code, err := model.NormalizeHSCode(hsCode)
	if err != nil {
		return nil, err
	}

	var r HTSRow
	var policyStr string
	err = s.db.QueryRowContext(ctx,
		`SELECT hs_code, policy_type, rate_value, description, source_url, loaded_at
		 FROM hts_rates WHERE hs_code = ? AND policy_type = ?`,
		code, string(policy),
	).Scan(&r.HSCode, &policyStr, &r.RateValue, &r.Description, &r.SourceURL, &r.LoadedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lookup hts %s/%s", code, policy)
	}
	r.PolicyType = model.PolicyType(policyStr)
	return &r, nil
}

func (s *SQLiteStore) CountHTS(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM hts_rates`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count hts")
}

// UpsertHTS loads reference rows into hts_rates. Used by the loader when the
// backend is SQLite.
func (s *SQLiteStore) UpsertHTS(ctx context.Context, rows []HTSRow) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin hts load")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO hts_rates (hs_code, policy_type, rate_value, description, source_url, loaded_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (hs_code, policy_type) DO UPDATE SET
		   rate_value = excluded.rate_value,
		   description = excluded.description,
		   source_url = excluded.source_url,
		   loaded_at = excluded.loaded_at`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare hts load")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, r := range rows {
		code, err := model.NormalizeHSCode(r.HSCode)
		if err != nil {
			continue // malformed schedule row, skip
		}
		if _, err := stmt.ExecContext(ctx, code, string(r.PolicyType), r.RateValue, r.Description, r.SourceURL, now); err != nil {
			return n, eris.Wrapf(err, "sqlite: load hts row %s", code)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return n, eris.Wrap(err, "sqlite: commit hts load")
	}
	return n, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRateSQL(row rowScanner) (*model.TariffRate, error) {
	var r model.TariffRate
	var policy, source, confidence string
	var effectiveDate sql.NullTime
	var exceptionRate sql.NullFloat64

	err := row.Scan(&r.HSCode, &policy, &r.RateValue, &effectiveDate, &r.ExpiresAt, &source, &confidence,
		&r.IsStale, &r.StaleReason, &r.FetchedAt, &r.RawProvenance, &r.ExceptionParty, &exceptionRate)
	if err != nil {
		return nil, err
	}
	r.PolicyType = model.PolicyType(policy)
	r.Source = model.RateSource(source)
	r.Confidence = model.Confidence(confidence)
	if effectiveDate.Valid {
		t := effectiveDate.Time
		r.EffectiveDate = &t
	}
	if exceptionRate.Valid {
		v := exceptionRate.Float64
		r.ExceptionRate = &v
	}
	return &r, nil
}
