package sqlx_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	libsqlx "github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	storage "rewardledger/adapters/sqlx"
	"rewardledger/core"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T, driver string) (*storage.Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	xdb := storage.NewWithDB(libsqlx.NewDb(db, driver), driver)
	cleanup := func() {
		_ = db.Close()
	}
	return xdb, mock, cleanup
}

func accountRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"balance", "last_claim_at", "updated_at"})
}

func claimTx(at time.Time) core.Transaction {
	return core.Transaction{ID: "tx1", UserID: "u1", Type: core.TxDailyReward, Amount: 100, CreatedAt: at}
}

func TestSQLMock_Read_Missing(t *testing.T) {
	store, mock, cleanup := newMockStore(t, storage.DriverPostgres)
	defer cleanup()

	mock.ExpectQuery(`SELECT balance, last_claim_at, updated_at FROM accounts WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)

	acct, err := store.Read(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), acct.Balance)
	require.Nil(t, acct.LastClaimAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_Read_Unavailable(t *testing.T) {
	store, mock, cleanup := newMockStore(t, storage.DriverPostgres)
	defer cleanup()

	mock.ExpectQuery(`SELECT balance`).WillReturnError(errors.New("connection refused"))

	_, err := store.Read(context.Background(), "u1")
	require.ErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestSQLMock_ApplyClaim_FirstClaim(t *testing.T) {
	store, mock, cleanup := newMockStore(t, storage.DriverPostgres)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO accounts .* ON CONFLICT \(user_id\) DO NOTHING`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT balance, last_claim_at, updated_at FROM accounts WHERE user_id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(accountRows().AddRow(int64(0), nil, t0))
	mock.ExpectExec(`UPDATE accounts SET balance = \$1, last_claim_at = \$2`).
		WithArgs(int64(100), t0, t0, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO diamond_transactions`).
		WithArgs("tx1", "u1", "daily_reward", int64(100), int64(100), nil, t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	acct, err := store.ApplyClaim(context.Background(), claimTx(t0), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(100), acct.Balance)
	require.True(t, acct.LastClaimAt.Equal(t0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_ApplyClaim_NotEligibleRollsBack(t *testing.T) {
	store, mock, cleanup := newMockStore(t, storage.DriverPostgres)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO accounts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(accountRows().AddRow(int64(100), t0, t0))
	mock.ExpectRollback()

	_, err := store.ApplyClaim(context.Background(), claimTx(t0.Add(23*time.Hour)), 24*time.Hour)
	var ne *core.NotEligibleError
	require.ErrorAs(t, err, &ne)
	require.Equal(t, time.Hour, ne.Remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_Adjust_MySQLInsufficient(t *testing.T) {
	store, mock, cleanup := newMockStore(t, storage.DriverMySQL)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT IGNORE INTO accounts`).
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT balance, last_claim_at, updated_at FROM accounts WHERE user_id = \? FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(accountRows().AddRow(int64(10), nil, t0))
	mock.ExpectRollback()

	_, err := store.Adjust(context.Background(), core.Transaction{ID: "tx2", UserID: "u1", Type: core.TxMatchRequest, Amount: -20, CreatedAt: t0})
	require.ErrorIs(t, err, core.ErrInsufficientBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_Adjust_Spend(t *testing.T) {
	store, mock, cleanup := newMockStore(t, storage.DriverPostgres)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO accounts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(accountRows().AddRow(int64(100), t0, t0))
	mock.ExpectExec(`UPDATE accounts SET balance = \$1, updated_at = \$2 WHERE user_id = \$3`).
		WithArgs(int64(70), t0.Add(time.Hour), "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO diamond_transactions`).
		WithArgs("tx3", "u1", "match_request", int64(-30), int64(70), `{"target":"bob"}`, t0.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	acct, err := store.Adjust(context.Background(), core.Transaction{
		ID: "tx3", UserID: "u1", Type: core.TxMatchRequest, Amount: -30,
		Metadata: map[string]any{"target": "bob"}, CreatedAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, int64(70), acct.Balance)
	require.True(t, acct.LastClaimAt.Equal(t0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLMock_BeginFailureIsUnavailable(t *testing.T) {
	store, mock, cleanup := newMockStore(t, storage.DriverPostgres)
	defer cleanup()

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := store.ApplyClaim(context.Background(), claimTx(t0), 24*time.Hour)
	require.ErrorIs(t, err, core.ErrStorageUnavailable)
}

func TestSQLMock_Transactions(t *testing.T) {
	store, mock, cleanup := newMockStore(t, storage.DriverPostgres)
	defer cleanup()

	mock.ExpectQuery(`SELECT id, user_id, type, amount, balance_after, metadata, created_at\s+FROM diamond_transactions WHERE user_id = \$1 ORDER BY seq DESC LIMIT \$2`).
		WithArgs("u1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "type", "amount", "balance_after", "metadata", "created_at"}).
			AddRow("tx3", "u1", "match_request", int64(-30), int64(70), `{"target":"bob"}`, t0.Add(time.Hour)).
			AddRow("tx1", "u1", "daily_reward", int64(100), int64(100), nil, t0))

	txs, err := store.Transactions(context.Background(), "u1", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, core.TxMatchRequest, txs[0].Type)
	require.Equal(t, "bob", txs[0].Metadata["target"])
	require.Nil(t, txs[1].Metadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConfig_Validate(t *testing.T) {
	cfg := storage.DefaultConfig(storage.DriverPostgres)
	require.Error(t, cfg.Validate())
	cfg.DSN = "postgres://localhost/rewards"
	require.NoError(t, cfg.Validate())
	cfg.Driver = "sqlite"
	require.Error(t, cfg.Validate())
}
