package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/model"
)

var _ Store = (*PostgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              BIGSERIAL PRIMARY KEY,
	username        TEXT        NOT NULL UNIQUE,
	xp              BIGINT      NOT NULL DEFAULT 0,
	level           BIGINT      NOT NULL DEFAULT 1,
	cash_balance    NUMERIC     NOT NULL CHECK (cash_balance >= 0),
	total_deposited NUMERIC     NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS positions (
	id          TEXT        PRIMARY KEY,
	user_id     BIGINT      NOT NULL REFERENCES accounts(id),
	ticker      TEXT        NOT NULL,
	type        TEXT        NOT NULL,
	strategy    TEXT        NOT NULL DEFAULT 'long',
	strike      NUMERIC,
	expiry      TIMESTAMPTZ,
	entry_price NUMERIC     NOT NULL,
	quantity    NUMERIC     NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_user_id ON positions(user_id);
CREATE TABLE IF NOT EXISTS ledger (
	id         TEXT        PRIMARY KEY,
	user_id    BIGINT      NOT NULL REFERENCES accounts(id),
	kind       TEXT        NOT NULL,
	ticker     TEXT        NOT NULL DEFAULT '',
	amount     NUMERIC     NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_user_id ON ledger(user_id);
`

// PostgresStore implements Store using PostgreSQL. All monetary values are
// stored as NUMERIC and read back as TEXT for exact decimal precision.
// InTx locks the account row with SELECT ... FOR UPDATE, so different
// accounts proceed in parallel.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, username string) (*model.Account, error) {
	a := &model.Account{
		Username:       username,
		Level:          1,
		CashBalance:    model.StartingBalance,
		TotalDeposited: model.StartingBalance,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (username, cash_balance, total_deposited)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)
		 RETURNING id, created_at`,
		username, a.CashBalance.String(), a.TotalDeposited.String(),
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", username, err)
	}
	return a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	return getPgAccount(ctx, s.pool, id, false)
}

func (s *PostgresStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID int64) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, ticker, type, strategy, strike::TEXT, expiry,
		        entry_price::TEXT, quantity::TEXT, created_at
		 FROM positions WHERE user_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions %d: %w", accountID, err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPgPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListLedger(ctx context.Context, accountID int64) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, ticker, amount::TEXT, created_at
		 FROM ledger WHERE user_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list ledger %d: %w", accountID, err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Ticker, &amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) InTx(ctx context.Context, accountID int64, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := getPgAccount(ctx, tx, accountID, true); err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx, accountID: accountID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// pgQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getPgAccount(ctx context.Context, q pgQuerier, id int64, forUpdate bool) (*model.Account, error) {
	query := `SELECT id, username, xp, level, cash_balance::TEXT, total_deposited::TEXT, created_at
	          FROM accounts WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var a model.Account
	var cash, deposited string
	err := q.QueryRow(ctx, query, id).
		Scan(&a.ID, &a.Username, &a.XP, &a.Level, &cash, &deposited, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	a.CashBalance, _ = decimal.NewFromString(cash)
	a.TotalDeposited, _ = decimal.NewFromString(deposited)
	return &a, nil
}

func scanPgPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var strike *string
	var expiry *time.Time
	var entry, qty string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Ticker, &p.Type, &p.Strategy,
		&strike, &expiry, &entry, &qty, &p.CreatedAt); err != nil {
		return nil, err
	}
	if strike != nil {
		v, err := decimal.NewFromString(*strike)
		if err != nil {
			return nil, fmt.Errorf("position %s strike: %w", p.ID, err)
		}
		p.Strike = &v
	}
	if expiry != nil {
		t := expiry.UTC()
		p.Expiry = &t
	}
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.Quantity, _ = decimal.NewFromString(qty)
	return &p, nil
}

// pgTx implements Tx inside a transaction holding the account row lock.
type pgTx struct {
	tx        pgx.Tx
	accountID int64
}

func (t *pgTx) Account(ctx context.Context) (*model.Account, error) {
	return getPgAccount(ctx, t.tx, t.accountID, false)
}

func (t *pgTx) SetBalances(ctx context.Context, cash, deposited decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET cash_balance = $2::NUMERIC, total_deposited = $3::NUMERIC WHERE id = $1`,
		t.accountID, cash.String(), deposited.String())
	if err != nil {
		return fmt.Errorf("update balances %d: %w", t.accountID, err)
	}
	return nil
}

func (t *pgTx) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, user_id, ticker, type, strategy, strike::TEXT, expiry,
		        entry_price::TEXT, quantity::TEXT, created_at
		 FROM positions WHERE id = $1 AND user_id = $2`, id, t.accountID)
	p, err := scanPgPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	var strike *string
	if p.Strike != nil {
		v := p.Strike.String()
		strike = &v
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, ticker, type, strategy, strike, expiry, entry_price, quantity, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10)`,
		p.ID, t.accountID, p.Ticker, p.Type, p.Strategy, strike, p.Expiry,
		p.EntryPrice.String(), p.Quantity.String(), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE id = $1 AND user_id = $2`, id, t.accountID)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotFound
	}
	return nil
}

func (t *pgTx) DeleteAllPositions(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE user_id = $1`, t.accountID); err != nil {
		return fmt.Errorf("delete positions %d: %w", t.accountID, err)
	}
	return nil
}

func (t *pgTx) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger (id, user_id, kind, ticker, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		e.ID, t.accountID, e.Kind, e.Ticker, e.Amount.String(), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger %s: %w", e.Kind, err)
	}
	return nil
}
