package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsertEmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "hts_rates",
		Columns:      []string{"hs_code", "general_rate"},
		ConflictKeys: []string{"hs_code"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsertNoColumns(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:        "hts_rates",
		ConflictKeys: []string{"hs_code"},
	}, [][]any{{"73269086", "2.9%"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsertNoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.TODO(), nil, UpsertConfig{
		Table:   "hts_rates",
		Columns: []string{"hs_code", "general_rate"},
	}, [][]any{{"73269086", "2.9%"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsertStagesAndMerges(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_hts_rates"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_hts_rates"}, []string{"hs_code", "general_rate"}).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "hts_rates"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "hts_rates",
		Columns:      []string{"hs_code", "general_rate"},
		ConflictKeys: []string{"hs_code"},
	}, [][]any{
		{"73269086", "2.9%"},
		{"73089095", "Free"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeSQLDefaultsUpdateColumns(t *testing.T) {
	sql := mergeSQL(UpsertConfig{
		Table:        "hts_rates",
		Columns:      []string{"hs_code", "general_rate", "revision"},
		ConflictKeys: []string{"hs_code"},
	}, "_stage_hts_rates")

	assert.Contains(t, sql, `ON CONFLICT ("hs_code")`)
	assert.Contains(t, sql, `"general_rate" = EXCLUDED."general_rate"`)
	assert.Contains(t, sql, `"revision" = EXCLUDED."revision"`)
	assert.NotContains(t, sql, `"hs_code" = EXCLUDED."hs_code"`)
}

func TestMergeSQLExplicitUpdateColumns(t *testing.T) {
	sql := mergeSQL(UpsertConfig{
		Table:        "hts_rates",
		Columns:      []string{"hs_code", "general_rate", "revision"},
		ConflictKeys: []string{"hs_code"},
		UpdateCols:   []string{"general_rate"},
	}, "_stage_hts_rates")

	assert.Contains(t, sql, `"general_rate" = EXCLUDED."general_rate"`)
	assert.NotContains(t, sql, `"revision" = EXCLUDED."revision"`)
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hts_rates", `"hts_rates"`},
		{"tariff.hts_rates", `"tariff"."hts_rates"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"hs_code", "policy", "general_rate"`, quoteAndJoin([]string{"hs_code", "policy", "general_rate"}))
}
