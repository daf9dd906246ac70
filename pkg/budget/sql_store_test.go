package budget

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStorage_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStorage(db)
	ctx := context.Background()
	updated := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT scope, daily_used, day, last_updated FROM budgets WHERE scope = $1")).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "daily_used", "day", "last_updated"}).
			AddRow("proj", 42, "2026-03-01", updated))

	b, err := store.Get(ctx, "proj")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(42), b.DailyUsed)
	assert.Equal(t, "2026-03-01", b.Day)
	assert.Equal(t, updated, b.LastUpdated)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT scope, daily_used")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"scope", "daily_used", "day", "last_updated"}))

	b, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_Reserve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStorage(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	expectPrelude := func() {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budgets (scope, daily_used, day, last_updated)")).
			WithArgs("proj", "2026-03-01", now).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("UPDATE budgets SET daily_used = 0, day = $2 WHERE scope = $1 AND day <> $2")).
			WithArgs("proj", "2026-03-01").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	expectPrelude()
	mock.ExpectQuery(regexp.QuoteMeta("daily_used + $2 <= $5")).
		WithArgs("proj", int64(2), now, "2026-03-01", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"daily_used"}).AddRow(6))
	used, ok, err := store.Reserve(ctx, "proj", "2026-03-01", 2, 10, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(6), used)

	expectPrelude()
	mock.ExpectQuery(regexp.QuoteMeta("daily_used + $2 <= $5")).
		WithArgs("proj", int64(5), now, "2026-03-01", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"daily_used"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT daily_used FROM budgets WHERE scope = $1 AND day = $2")).
		WithArgs("proj", "2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"daily_used"}).AddRow(8))
	used, ok, err = store.Reserve(ctx, "proj", "2026-03-01", 5, 10, now)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(8), used)

	expectPrelude()
	mock.ExpectQuery(regexp.QuoteMeta("CASE WHEN daily_used + $2 < 0 THEN 0")).
		WithArgs("proj", int64(-2), now, "2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"daily_used"}).AddRow(6))
	used, ok, err = store.Reserve(ctx, "proj", "2026-03-01", -2, 0, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(6), used)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorage_Limit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLStorage(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT daily_limit FROM budgets WHERE scope = $1")).
		WithArgs("proj").
		WillReturnRows(sqlmock.NewRows([]string{"daily_limit"}).AddRow(2500))
	limit, ok, err := store.Limit(ctx, "proj")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2500), limit)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT daily_limit FROM budgets WHERE scope = $1")).
		WithArgs("usage-only").
		WillReturnRows(sqlmock.NewRows([]string{"daily_limit"}).AddRow(nil))
	_, ok, err = store.Limit(ctx, "usage-only")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budgets (scope, daily_limit, daily_used, day, last_updated)")).
		WithArgs("proj", 100, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.SetLimit(ctx, "proj", 100))

	assert.NoError(t, mock.ExpectationsWereMet())
}
