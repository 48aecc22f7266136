package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rewardledger/core"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config holds SQL connection configuration
type Config struct {
	Driver          string        `json:"driver" env:"REWARDLEDGER_SQL_DRIVER"`
	DSN             string        `json:"dsn" env:"REWARDLEDGER_SQL_DSN"`
	MaxOpenConns    int           `json:"max_open_conns" env:"REWARDLEDGER_SQL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"REWARDLEDGER_SQL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"REWARDLEDGER_SQL_CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `json:"auto_migrate" env:"REWARDLEDGER_SQL_AUTO_MIGRATE"`
}

// DefaultConfig returns pool defaults for the given driver. The DSN is left empty.
func DefaultConfig(driver string) Config {
	return Config{
		Driver:          driver,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// Validate checks the driver and DSN.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.DSN == "" {
		return errors.New("dsn cannot be empty")
	}
	return nil
}

// Store implements engine.Store on a relational database.
// Each claim or adjustment runs in one transaction holding a row lock on the account.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New opens a connection pool, pings it and optionally creates the schema.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, core.Unavailable("ping", err))
	}

	s := NewWithDB(db, cfg.Driver)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing handle (useful for testing)
func NewWithDB(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Close closes the pool
func (s *Store) Close() error {
	return s.db.Close()
}

var schemas = map[string][]string{
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id VARCHAR(255) PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			last_claim_at TIMESTAMPTZ NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS diamond_transactions (
			seq BIGSERIAL PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			user_id VARCHAR(255) NOT NULL,
			type VARCHAR(64) NOT NULL,
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			metadata TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_diamond_transactions_user ON diamond_transactions (user_id, seq)`,
	},
	DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS accounts (
			user_id VARCHAR(255) PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			last_claim_at DATETIME(6) NULL,
			updated_at DATETIME(6) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS diamond_transactions (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			user_id VARCHAR(255) NOT NULL,
			type VARCHAR(64) NOT NULL,
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			metadata TEXT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_diamond_transactions_user (user_id, seq)
		)`,
	},
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts, ok := schemas[s.driver]
	if !ok {
		return fmt.Errorf("unsupported driver %q", s.driver)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return core.Unavailable("migrate", err)
		}
	}
	return nil
}

type accountRow struct {
	Balance     int64        `db:"balance"`
	LastClaimAt sql.NullTime `db:"last_claim_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

func (r accountRow) toAccount(user core.UserID) core.Account {
	acct := core.Account{UserID: user, Balance: r.Balance, Updated: r.UpdatedAt.UTC()}
	if r.LastClaimAt.Valid {
		ts := r.LastClaimAt.Time.UTC()
		acct.LastClaimAt = &ts
	}
	return acct
}

type txRow struct {
	ID           string         `db:"id"`
	UserID       string         `db:"user_id"`
	Type         string         `db:"type"`
	Amount       int64          `db:"amount"`
	BalanceAfter int64          `db:"balance_after"`
	Metadata     sql.NullString `db:"metadata"`
	CreatedAt    time.Time      `db:"created_at"`
}

// Read returns the stored account or a fresh default without writing anything.
func (s *Store) Read(ctx context.Context, user core.UserID) (core.Account, error) {
	var row accountRow
	q := s.db.Rebind(`SELECT balance, last_claim_at, updated_at FROM accounts WHERE user_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, user); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.NewAccount(user), nil
		}
		return core.Account{}, core.Unavailable("read account", err)
	}
	return row.toAccount(user), nil
}

// ApplyClaim checks eligibility and credits the reward under a row lock.
func (s *Store) ApplyClaim(ctx context.Context, tx core.Transaction, interval time.Duration) (core.Account, error) {
	return s.inTx(ctx, "apply claim", func(dbtx *sqlx.Tx) (core.Account, error) {
		row, err := s.lockAccount(ctx, dbtx, tx.UserID, tx.CreatedAt)
		if err != nil {
			return core.Account{}, err
		}
		acct := row.toAccount(tx.UserID)
		now := tx.CreatedAt.UTC()
		if !core.CanClaim(acct.LastClaimAt, now, interval) {
			return core.Account{}, core.NewNotEligible(acct.LastClaimAt, now, interval)
		}
		next, err := core.AddSafe(acct.Balance, tx.Amount)
		if err != nil {
			return core.Account{}, err
		}
		q := dbtx.Rebind(`UPDATE accounts SET balance = ?, last_claim_at = ?, updated_at = ? WHERE user_id = ?`)
		if _, err := dbtx.ExecContext(ctx, q, next, now, now, tx.UserID); err != nil {
			return core.Account{}, core.Unavailable("update account", err)
		}
		tx.BalanceAfter = next
		if err := insertTx(ctx, dbtx, tx); err != nil {
			return core.Account{}, err
		}
		acct.Balance = next
		acct.LastClaimAt = &now
		acct.Updated = now
		return acct, nil
	})
}

// Adjust applies a signed balance change under a row lock.
func (s *Store) Adjust(ctx context.Context, tx core.Transaction) (core.Account, error) {
	return s.inTx(ctx, "adjust balance", func(dbtx *sqlx.Tx) (core.Account, error) {
		row, err := s.lockAccount(ctx, dbtx, tx.UserID, tx.CreatedAt)
		if err != nil {
			return core.Account{}, err
		}
		acct := row.toAccount(tx.UserID)
		next, err := core.AddSafe(acct.Balance, tx.Amount)
		if err != nil {
			return core.Account{}, err
		}
		if next < 0 {
			return core.Account{}, core.ErrInsufficientBalance
		}
		now := tx.CreatedAt.UTC()
		q := dbtx.Rebind(`UPDATE accounts SET balance = ?, updated_at = ? WHERE user_id = ?`)
		if _, err := dbtx.ExecContext(ctx, q, next, now, tx.UserID); err != nil {
			return core.Account{}, core.Unavailable("update account", err)
		}
		tx.BalanceAfter = next
		if err := insertTx(ctx, dbtx, tx); err != nil {
			return core.Account{}, err
		}
		acct.Balance = next
		acct.Updated = now
		return acct, nil
	})
}

// Transactions returns up to limit ledger entries, newest first.
func (s *Store) Transactions(ctx context.Context, user core.UserID, limit int) ([]core.Transaction, error) {
	q := `SELECT id, user_id, type, amount, balance_after, metadata, created_at
		FROM diamond_transactions WHERE user_id = ? ORDER BY seq DESC`
	args := []any{user}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []txRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, core.Unavailable("list transactions", err)
	}
	out := make([]core.Transaction, 0, len(rows))
	for _, r := range rows {
		tx := core.Transaction{
			ID:           r.ID,
			UserID:       core.UserID(r.UserID),
			Type:         core.TxType(r.Type),
			Amount:       r.Amount,
			BalanceAfter: r.BalanceAfter,
			CreatedAt:    r.CreatedAt.UTC(),
		}
		if r.Metadata.Valid && r.Metadata.String != "" {
			if err := json.Unmarshal([]byte(r.Metadata.String), &tx.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
			}
		}
		out = append(out, tx)
	}
	return out, nil
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func (s *Store) inTx(ctx context.Context, op string, fn func(*sqlx.Tx) (core.Account, error)) (core.Account, error) {
	dbtx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.Account{}, core.Unavailable(op, err)
	}
	acct, err := fn(dbtx)
	if err != nil {
		_ = dbtx.Rollback()
		return core.Account{}, err
	}
	if err := dbtx.Commit(); err != nil {
		return core.Account{}, core.Unavailable(op, err)
	}
	return acct, nil
}

// lockAccount makes sure the account row exists and locks it for the rest of the transaction.
func (s *Store) lockAccount(ctx context.Context, dbtx *sqlx.Tx, user core.UserID, now time.Time) (accountRow, error) {
	ensure := `INSERT INTO accounts (user_id, balance, updated_at) VALUES (?, 0, ?) ON CONFLICT (user_id) DO NOTHING`
	if s.driver == DriverMySQL {
		ensure = `INSERT IGNORE INTO accounts (user_id, balance, updated_at) VALUES (?, 0, ?)`
	}
	if _, err := dbtx.ExecContext(ctx, dbtx.Rebind(ensure), user, now.UTC()); err != nil {
		return accountRow{}, core.Unavailable("ensure account", err)
	}
	var row accountRow
	q := dbtx.Rebind(`SELECT balance, last_claim_at, updated_at FROM accounts WHERE user_id = ? FOR UPDATE`)
	if err := dbtx.GetContext(ctx, &row, q, user); err != nil {
		return accountRow{}, core.Unavailable("lock account", err)
	}
	return row, nil
}

func insertTx(ctx context.Context, dbtx *sqlx.Tx, tx core.Transaction) error {
	var meta sql.NullString
	if len(tx.Metadata) > 0 {
		data, err := json.Marshal(tx.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}
	q := dbtx.Rebind(`INSERT INTO diamond_transactions (id, user_id, type, amount, balance_after, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := dbtx.ExecContext(ctx, q, tx.ID, tx.UserID, tx.Type, tx.Amount, tx.BalanceAfter, meta, tx.CreatedAt.UTC()); err != nil {
		return core.Unavailable("insert transaction", err)
	}
	return nil
}
