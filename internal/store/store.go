// Package store persists accounts, open positions and the cash ledger.
// Implementations include SQLite (default local store), PostgreSQL, and
// in-memory (for testing). All balance mutations go through InTx so a
// trade's cash movement, position change and ledger row commit together.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/model"
)

var (
	// ErrAccountNotFound is returned when the account id does not exist.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrPositionNotFound is returned when the position does not exist or
	// belongs to a different account.
	ErrPositionNotFound = errors.New("store: position not found")
)

// DefaultUsername is the account seeded on an empty store.
const DefaultUsername = "Trader1"

// Store is the persistence interface.
type Store interface {
	// CreateAccount inserts an account funded with model.StartingBalance.
	CreateAccount(ctx context.Context, username string) (*model.Account, error)

	// GetAccount returns ErrAccountNotFound for an unknown id.
	GetAccount(ctx context.Context, id int64) (*model.Account, error)

	// CountAccounts returns the number of accounts.
	CountAccounts(ctx context.Context) (int, error)

	// ListPositions returns the account's open positions, oldest first.
	ListPositions(ctx context.Context, accountID int64) ([]model.Position, error)

	// ListLedger returns the account's ledger, oldest first.
	ListLedger(ctx context.Context, accountID int64) ([]model.LedgerEntry, error)

	// InTx runs fn with exclusive access to one account. If fn returns an
	// error nothing it did is persisted. Returns ErrAccountNotFound before
	// calling fn when the account does not exist.
	InTx(ctx context.Context, accountID int64, fn func(tx Tx) error) error

	Close() error
}

// Tx is a unit of work scoped to a single account.
type Tx interface {
	// Account returns the account as seen inside the transaction.
	Account(ctx context.Context) (*model.Account, error)

	// SetBalances overwrites cash and total deposited.
	SetBalances(ctx context.Context, cash, deposited decimal.Decimal) error

	// GetPosition returns ErrPositionNotFound if the position is missing or
	// owned by another account.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	InsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition returns ErrPositionNotFound if nothing was deleted.
	DeletePosition(ctx context.Context, id string) error

	// DeleteAllPositions removes every position of the account.
	DeleteAllPositions(ctx context.Context) error

	// AppendLedger adds an immutable ledger row.
	AppendLedger(ctx context.Context, e *model.LedgerEntry) error
}

// EnsureDefaultAccount seeds DefaultUsername when the store has no accounts.
// It returns the created account, or nil if accounts already existed.
func EnsureDefaultAccount(ctx context.Context, s Store) (*model.Account, error) {
	n, err := s.CountAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count accounts: %w", err)
	}
	if n > 0 {
		return nil, nil
	}
	return s.CreateAccount(ctx, DefaultUsername)
}

// parseDecimal reads a NUMERIC/TEXT column value. Empty means zero.
func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
