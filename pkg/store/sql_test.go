package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sqlColumns = []string{
	"id", "scan_id", "title", "status", "type", "progress", "message",
	"executive_summary", "recommendations", "sections", "metadata",
	"generation_time_ms", "token_count", "created_at", "updated_at",
}

func newSQLStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS reports").
		WillReturnResult(sqlmock.NewResult(0, 0))
	st, err := NewSQL(sqlx.NewDb(mockDB, "sqlite3"))
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return st, mock
}

func TestSQLSaveUpserts(t *testing.T) {
	st, mock := newSQLStore(t)
	mock.ExpectExec(`(?s)INSERT INTO reports .* ON CONFLICT \(id\) DO UPDATE SET`).
		WithArgs(
			"r1", "scan1", "Recon sweep", "completed", "security_assessment",
			0, "", "",
			`["close port 23"]`,
			`[{"title":"Findings","content":"two open ports","order":1}]`,
			`{"events":42}`,
			int64(0), 0, sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := sampleReport("scan1", "Recon sweep")
	r.ID = "r1"
	require.NoError(t, st.Save(context.Background(), r))
	assert.False(t, r.UpdatedAt.IsZero())
}

func TestSQLGetDecodesJSONColumns(t *testing.T) {
	st, mock := newSQLStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`(?s)SELECT .* FROM reports WHERE id = \?`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(sqlColumns).AddRow(
			"r1", "scan1", "Recon sweep", "completed", "security_assessment",
			100, "", "summary",
			`["close port 23"]`,
			`[{"title":"Findings","content":"two open ports","order":1}]`,
			`{"events":42}`,
			int64(1500), 0, now, now,
		))

	got, err := st.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Recon sweep", got.Title)
	assert.Equal(t, []string{"close port 23"}, got.Recommendations)
	require.Len(t, got.Sections, 1)
	assert.Equal(t, "Findings", got.Sections[0].Title)
	assert.Equal(t, map[string]any{"events": float64(42)}, got.Metadata)
	assert.Equal(t, int64(1500), got.GenerationTimeMS)
}

func TestSQLGetNotFound(t *testing.T) {
	st, mock := newSQLStore(t)
	mock.ExpectQuery(`(?s)SELECT .* FROM reports WHERE id = \?`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(sqlColumns))

	_, err := st.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLUpdateNotFound(t *testing.T) {
	st, mock := newSQLStore(t)
	mock.ExpectExec(`UPDATE reports SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	r := sampleReport("scan1", "ghost")
	r.ID = "ghost"
	assert.ErrorIs(t, st.Update(context.Background(), r), ErrNotFound)
}

func TestSQLDelete(t *testing.T) {
	st, mock := newSQLStore(t)
	mock.ExpectExec(`DELETE FROM reports WHERE id = \?`).
		WithArgs("r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM reports WHERE id = \?`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, st.Delete(context.Background(), "r1"))
	assert.ErrorIs(t, st.Delete(context.Background(), "ghost"), ErrNotFound)
}

func TestSQLListBuildsFilteredQuery(t *testing.T) {
	st, mock := newSQLStore(t)
	mock.ExpectQuery(`(?s)SELECT .* FROM reports WHERE scan_id = \? AND status = \? ORDER BY created_at DESC LIMIT \? OFFSET \?`).
		WithArgs("scan1", "completed", 10, 5).
		WillReturnRows(sqlmock.NewRows(sqlColumns))

	out, err := st.List(context.Background(), Filter{
		ScanID: "scan1",
		Status: "completed",
		Limit:  10,
		Offset: 5,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSQLCount(t *testing.T) {
	st, mock := newSQLStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM reports WHERE type = \?`).
		WithArgs("export").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := st.Count(context.Background(), Filter{Type: "export"})
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestSQLCleanupOld(t *testing.T) {
	st, mock := newSQLStore(t)
	mock.ExpectExec(`DELETE FROM reports WHERE created_at < \?`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.CleanupOld(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// No statement expected for a non-positive age.
	n, err = st.CleanupOld(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
