package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optionquest/trading-core/internal/model"
)

var accountColumns = []string{"id", "username", "xp", "level", "cash_balance", "total_deposited", "created_at"}

func TestSQLiteStore_RollsBackWhenLedgerInsertFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLiteStoreFromDB(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, username, xp, level").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(accountColumns).
			AddRow(1, "Trader1", 0, 1, "10000", "10000", formatTime(time.Now())))
	mock.ExpectExec("UPDATE accounts SET cash_balance").
		WithArgs("9800", "10000", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.InTx(ctx, 1, func(tx Tx) error {
		if err := tx.SetBalances(ctx, d(9800), d(10000)); err != nil {
			return err
		}
		return tx.AppendLedger(ctx, testLedger(model.KindBuy, d(-200)))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_UnknownAccountRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLiteStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, username, xp, level").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(accountColumns))
	mock.ExpectRollback()

	err = s.InTx(context.Background(), 42, func(Tx) error { return nil })
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_CommitFailureIsReported(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLiteStoreFromDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, username, xp, level").
		WillReturnRows(sqlmock.NewRows(accountColumns).
			AddRow(7, "Trader7", 0, 1, "10000", "10000", formatTime(time.Now())))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err = s.InTx(context.Background(), 7, func(Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	a, err := s.CreateAccount(ctx, "persist")
	require.NoError(t, err)
	require.NoError(t, s.InTx(ctx, a.ID, func(tx Tx) error {
		return tx.SetBalances(ctx, d(12345.67), d(12345.67))
	}))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.CashBalance.Equal(d(12345.67)), "cash %s", got.CashBalance)
}
