package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds a per-account mutex and stages every change on copies; the
// staged state replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[int64]*model.Account
	positions map[string]model.Position
	ledger    []model.LedgerEntry
	nextID    int64

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[int64]*model.Account),
		positions: make(map[string]model.Position),
		locks:     make(map[int64]*sync.Mutex),
		now:       time.Now,
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, username string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	a := &model.Account{
		ID:             s.nextID,
		Username:       username,
		Level:          1,
		CashBalance:    model.StartingBalance,
		TotalDeposited: model.StartingBalance,
		CreatedAt:      s.now().UTC(),
	}
	s.accounts[a.ID] = a
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) CountAccounts(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts), nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID int64) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountPositions(accountID), nil
}

func (s *MemoryStore) ListLedger(_ context.Context, accountID int64) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

// accountPositions must be called with s.mu held.
func (s *MemoryStore) accountPositions(accountID int64) []model.Position {
	var result []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *MemoryStore) accountLock(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) InTx(ctx context.Context, accountID int64, fn func(tx Tx) error) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	a, ok := s.accounts[accountID]
	if !ok {
		s.mu.RUnlock()
		return ErrAccountNotFound
	}
	tx := &memTx{
		account:   *a,
		positions: make(map[string]model.Position),
	}
	for _, p := range s.accountPositions(accountID) {
		tx.positions[p.ID] = p
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	account := tx.account
	s.accounts[accountID] = &account
	for id, p := range s.positions {
		if p.AccountID == accountID {
			delete(s.positions, id)
		}
	}
	for id, p := range tx.positions {
		s.positions[id] = p
	}
	s.ledger = append(s.ledger, tx.ledger...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages changes for one account.
type memTx struct {
	account   model.Account
	positions map[string]model.Position
	ledger    []model.LedgerEntry
}

func (t *memTx) Account(context.Context) (*model.Account, error) {
	copy := t.account
	return &copy, nil
}

func (t *memTx) SetBalances(_ context.Context, cash, deposited decimal.Decimal) error {
	t.account.CashBalance = cash
	t.account.TotalDeposited = deposited
	return nil
}

func (t *memTx) GetPosition(_ context.Context, id string) (*model.Position, error) {
	p, ok := t.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return &p, nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	stored := *p
	stored.AccountID = t.account.ID
	t.positions[p.ID] = stored
	return nil
}

func (t *memTx) DeletePosition(_ context.Context, id string) error {
	if _, ok := t.positions[id]; !ok {
		return ErrPositionNotFound
	}
	delete(t.positions, id)
	return nil
}

func (t *memTx) DeleteAllPositions(context.Context) error {
	t.positions = make(map[string]model.Position)
	return nil
}

func (t *memTx) AppendLedger(_ context.Context, e *model.LedgerEntry) error {
	entry := *e
	entry.AccountID = t.account.ID
	t.ledger = append(t.ledger, entry)
	return nil
}
