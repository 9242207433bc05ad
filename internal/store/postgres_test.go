package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresFromPool(mock), mock
}

func rateRow(hs string, policy model.PolicyType, value float64, expiresAt time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"hs_code", "policy_type", "rate_value", "effective_date", "expires_at", "source", "confidence",
		"is_stale", "stale_reason", "fetched_at", "raw_provenance", "exception_party", "exception_rate",
	}).AddRow(hs, string(policy), value, (*time.Time)(nil), expiresAt, "OFFICIAL_DB", "official",
		false, "", time.Now().UTC(), "https://hts.usitc.gov/", "", (*float64)(nil))
}

func TestPostgresGetRate(t *testing.T) {
	s, mock := newMockStore(t)

	expiresAt := time.Now().UTC().Add(24 * time.Hour)
	mock.ExpectQuery(`SELECT hs_code, policy_type, rate_value`).
		WithArgs("73269086", "MFN").
		WillReturnRows(rateRow("73269086", model.PolicyMFN, 2.9, expiresAt))

	got, err := s.GetRate(context.Background(), "7326.90.86", model.PolicyMFN)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2.9, got.RateValue)
	assert.Equal(t, model.SourceOfficialDB, got.Source)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRateMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT hs_code, policy_type, rate_value`).
		WithArgs("94036000", "MFN").
		WillReturnRows(pgxmock.NewRows([]string{"hs_code"}))

	got, err := s.GetRate(context.Background(), "940360", model.PolicyMFN)
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRateMalformedCode(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.GetRate(context.Background(), "1234567", model.PolicyMFN)
	assert.Error(t, err, "7-digit codes are rejected before any query")
}

func TestPostgresUpsertEmitsChangeEvent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT rate_value FROM tariff_rates`).
		WithArgs("73269086", "SECTION_232").
		WillReturnRows(pgxmock.NewRows([]string{"rate_value"}).AddRow(25.0))
	mock.ExpectExec(`INSERT INTO tariff_rates`).
		WithArgs("73269086", "SECTION_232", 50.0, (*time.Time)(nil), pgxmock.AnyArg(),
			"REGISTRY_SYNC", "official", pgxmock.AnyArg(), "90 FR 11249", "", (*float64)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`INSERT INTO change_events`).
		WithArgs("73269086", "SECTION_232", 25.0, 50.0, 25.0, pgxmock.AnyArg(), "REGISTRY_SYNC").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	event, err := s.UpsertRate(context.Background(), &model.TariffRate{
		HSCode:        "7326.90.86",
		PolicyType:    model.PolicySection232,
		RateValue:     50,
		ExpiresAt:     time.Now().UTC().Add(14 * 24 * time.Hour),
		Source:        model.SourceRegistrySync,
		Confidence:    model.ConfidenceOfficial,
		RawProvenance: "90 FR 11249",
	})
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, int64(7), event.ID)
	assert.Equal(t, 25.0, event.OldRate)
	assert.Equal(t, 50.0, event.NewRate)
	assert.Equal(t, 25.0, event.DeltaPercent)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertSameValueNoEvent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT rate_value FROM tariff_rates`).
		WithArgs("73269086", "MFN").
		WillReturnRows(pgxmock.NewRows([]string{"rate_value"}).AddRow(2.9))
	mock.ExpectExec(`INSERT INTO tariff_rates`).
		WithArgs("73269086", "MFN", 2.9, (*time.Time)(nil), pgxmock.AnyArg(),
			"OFFICIAL_DB", "official", pgxmock.AnyArg(), "", "", (*float64)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	event, err := s.UpsertRate(context.Background(), &model.TariffRate{
		HSCode:     "73269086",
		PolicyType: model.PolicyMFN,
		RateValue:  2.9,
		ExpiresAt:  time.Now().UTC().Add(30 * 24 * time.Hour),
		Source:     model.SourceOfficialDB,
		Confidence: model.ConfidenceOfficial,
	})
	require.NoError(t, err)
	assert.Nil(t, event)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertFirstInsertNoEvent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT rate_value FROM tariff_rates`).
		WithArgs("73269086", "MFN").
		WillReturnRows(pgxmock.NewRows([]string{"rate_value"}))
	mock.ExpectExec(`INSERT INTO tariff_rates`).
		WithArgs("73269086", "MFN", 2.9, (*time.Time)(nil), pgxmock.AnyArg(),
			"OFFICIAL_DB", "official", pgxmock.AnyArg(), "", "", (*float64)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	event, err := s.UpsertRate(context.Background(), &model.TariffRate{
		HSCode:     "73269086",
		PolicyType: model.PolicyMFN,
		RateValue:  2.9,
		ExpiresAt:  time.Now().UTC().Add(30 * 24 * time.Hour),
		Source:     model.SourceOfficialDB,
		Confidence: model.ConfidenceOfficial,
	})
	require.NoError(t, err)
	assert.Nil(t, event)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkStaleGuard(t *testing.T) {
	s, mock := newMockStore(t)

	// Entry refreshed after the scan start: the guarded update touches no rows.
	mock.ExpectExec(`UPDATE tariff_rates SET is_stale = true`).
		WithArgs("ttl expired", "73269086", "MFN", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	marked, err := s.MarkStale(context.Background(), "73269086", model.PolicyMFN, "ttl expired", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, marked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcquireJobLock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO job_locks`).
		WithArgs("registry-sync", "host:1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO job_locks`).
		WithArgs("registry-sync", "host:2", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.AcquireJobLock(context.Background(), "registry-sync", "host:1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held, unexpired lock: the conditional upsert is a no-op.
	ok, err = s.AcquireJobLock(context.Background(), "registry-sync", "host:2", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertAlertIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO alert_records`).
		WithArgs(pgxmock.AnyArg(), "RATE_CHANGE", pgxmock.AnyArg(), "CRITICAL",
			pgxmock.AnyArg(), "change:73269086:SECTION_232:7", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO alert_records`).
		WithArgs(pgxmock.AnyArg(), "RATE_CHANGE", pgxmock.AnyArg(), "CRITICAL",
			pgxmock.AnyArg(), "change:73269086:SECTION_232:7", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	a := &model.AlertRecord{
		Type:           model.AlertRateChange,
		AffectedCodes:  []string{"73269086"},
		Severity:       model.SeverityCritical,
		IdempotencyKey: "change:73269086:SECTION_232:7",
		Payload:        []byte(`{"old_rate":25,"new_rate":50}`),
	}
	inserted, err := s.InsertAlert(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, a.ID, "an id is assigned on insert")

	inserted, err = s.InsertAlert(context.Background(), &model.AlertRecord{
		Type:           model.AlertRateChange,
		AffectedCodes:  []string{"73269086"},
		Severity:       model.SeverityCritical,
		IdempotencyKey: "change:73269086:SECTION_232:7",
	})
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate idempotency key is swallowed")
	require.NoError(t, mock.ExpectationsWereMet())
}
