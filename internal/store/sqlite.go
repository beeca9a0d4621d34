package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	username        TEXT    NOT NULL UNIQUE,
	xp              INTEGER NOT NULL DEFAULT 0,
	level           INTEGER NOT NULL DEFAULT 1,
	cash_balance    TEXT    NOT NULL,
	total_deposited TEXT    NOT NULL,
	created_at      TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	id          TEXT    PRIMARY KEY,
	user_id     INTEGER NOT NULL REFERENCES accounts(id),
	ticker      TEXT    NOT NULL,
	type        TEXT    NOT NULL,
	strategy    TEXT    NOT NULL DEFAULT 'long',
	strike      TEXT,
	expiry      TEXT,
	entry_price TEXT    NOT NULL,
	quantity    TEXT    NOT NULL,
	created_at  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_user_id ON positions(user_id);
CREATE TABLE IF NOT EXISTS ledger (
	id         TEXT    PRIMARY KEY,
	user_id    INTEGER NOT NULL REFERENCES accounts(id),
	kind       TEXT    NOT NULL,
	ticker     TEXT    NOT NULL DEFAULT '',
	amount     TEXT    NOT NULL,
	created_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_user_id ON ledger(user_id);
`

// SQLiteStore implements Store on a local SQLite file. Decimals are stored
// as TEXT and all arithmetic happens in Go. Transactions begin IMMEDIATE so
// the write lock is taken before the balance is read.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// A single writer connection keeps account transactions serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return NewSQLiteStoreFromDB(db), nil
}

// NewSQLiteStoreFromDB wraps an already opened database. The schema must exist.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, username string) (*model.Account, error) {
	a := &model.Account{
		Username:       username,
		Level:          1,
		CashBalance:    model.StartingBalance,
		TotalDeposited: model.StartingBalance,
		CreatedAt:      s.now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (username, xp, level, cash_balance, total_deposited, created_at)
		 VALUES (?, 0, 1, ?, ?, ?)`,
		a.Username, a.CashBalance.String(), a.TotalDeposited.String(), formatTime(a.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", username, err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("create account %s: %w", username, err)
	}
	return a, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	return getSQLAccount(ctx, s.db, id)
}

func (s *SQLiteStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ListPositions(ctx context.Context, accountID int64) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, ticker, type, strategy, strike, expiry, entry_price, quantity, created_at
		 FROM positions WHERE user_id = ? ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions %d: %w", accountID, err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) ListLedger(ctx context.Context, accountID int64) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, ticker, amount, created_at
		 FROM ledger WHERE user_id = ? ORDER BY created_at, rowid`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list ledger %d: %w", accountID, err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, created string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Ticker, &amount, &created); err != nil {
			return nil, err
		}
		if e.Amount, err = parseDecimal(amount); err != nil {
			return nil, fmt.Errorf("ledger %s amount: %w", e.ID, err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("ledger %s created_at: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) InTx(ctx context.Context, accountID int64, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := getSQLAccount(ctx, tx, accountID); err != nil {
		return err
	}
	if err := fn(&sqliteTx{tx: tx, accountID: accountID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlScanner is satisfied by *sql.Row and *sql.Rows.
type sqlScanner interface {
	Scan(dest ...any) error
}

func getSQLAccount(ctx context.Context, q sqlQuerier, id int64) (*model.Account, error) {
	var a model.Account
	var cash, deposited, created string
	err := q.QueryRowContext(ctx,
		`SELECT id, username, xp, level, cash_balance, total_deposited, created_at
		 FROM accounts WHERE id = ?`, id).
		Scan(&a.ID, &a.Username, &a.XP, &a.Level, &cash, &deposited, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	if a.CashBalance, err = parseDecimal(cash); err != nil {
		return nil, fmt.Errorf("account %d cash_balance: %w", id, err)
	}
	if a.TotalDeposited, err = parseDecimal(deposited); err != nil {
		return nil, fmt.Errorf("account %d total_deposited: %w", id, err)
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("account %d created_at: %w", id, err)
	}
	return &a, nil
}

func scanSQLPosition(row sqlScanner) (*model.Position, error) {
	var p model.Position
	var strike, expiry sql.NullString
	var entry, qty, created string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Ticker, &p.Type, &p.Strategy,
		&strike, &expiry, &entry, &qty, &created); err != nil {
		return nil, err
	}

	var err error
	if strike.Valid && strike.String != "" {
		v, err := decimal.NewFromString(strike.String)
		if err != nil {
			return nil, fmt.Errorf("position %s strike: %w", p.ID, err)
		}
		p.Strike = &v
	}
	if expiry.Valid && expiry.String != "" {
		t, err := parseTime(expiry.String)
		if err != nil {
			return nil, fmt.Errorf("position %s expiry: %w", p.ID, err)
		}
		p.Expiry = &t
	}
	if p.EntryPrice, err = parseDecimal(entry); err != nil {
		return nil, fmt.Errorf("position %s entry_price: %w", p.ID, err)
	}
	if p.Quantity, err = parseDecimal(qty); err != nil {
		return nil, fmt.Errorf("position %s quantity: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("position %s created_at: %w", p.ID, err)
	}
	return &p, nil
}

// sqliteTx implements Tx on an open IMMEDIATE transaction.
type sqliteTx struct {
	tx        *sql.Tx
	accountID int64
}

func (t *sqliteTx) Account(ctx context.Context) (*model.Account, error) {
	return getSQLAccount(ctx, t.tx, t.accountID)
}

func (t *sqliteTx) SetBalances(ctx context.Context, cash, deposited decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET cash_balance = ?, total_deposited = ? WHERE id = ?`,
		cash.String(), deposited.String(), t.accountID)
	if err != nil {
		return fmt.Errorf("update balances %d: %w", t.accountID, err)
	}
	return nil
}

func (t *sqliteTx) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, user_id, ticker, type, strategy, strike, expiry, entry_price, quantity, created_at
		 FROM positions WHERE id = ? AND user_id = ?`, id, t.accountID)
	p, err := scanSQLPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (t *sqliteTx) InsertPosition(ctx context.Context, p *model.Position) error {
	var strike, expiry sql.NullString
	if p.Strike != nil {
		strike = sql.NullString{String: p.Strike.String(), Valid: true}
	}
	if p.Expiry != nil {
		expiry = sql.NullString{String: formatTime(*p.Expiry), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (id, user_id, ticker, type, strategy, strike, expiry, entry_price, quantity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, t.accountID, p.Ticker, p.Type, p.Strategy, strike, expiry,
		p.EntryPrice.String(), p.Quantity.String(), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

func (t *sqliteTx) DeletePosition(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM positions WHERE id = ? AND user_id = ?`, id, t.accountID)
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete position %s: %w", id, err)
	}
	if n == 0 {
		return ErrPositionNotFound
	}
	return nil
}

func (t *sqliteTx) DeleteAllPositions(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, t.accountID); err != nil {
		return fmt.Errorf("delete positions %d: %w", t.accountID, err)
	}
	return nil
}

func (t *sqliteTx) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ledger (id, user_id, kind, ticker, amount, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, t.accountID, e.Kind, e.Ticker, e.Amount.String(), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append ledger %s: %w", e.Kind, err)
	}
	return nil
}

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
