// Package trade validates and executes simulated buys and sells against
// live market data, and keeps each account's cash ledger consistent with
// its open positions.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/contract"
	"github.com/optionquest/trading-core/internal/marketdata"
	"github.com/optionquest/trading-core/internal/metrics"
	"github.com/optionquest/trading-core/internal/model"
	"github.com/optionquest/trading-core/internal/store"
)

var (
	// DriftTolerance is the largest accepted |requested − reference| / reference.
	DriftTolerance = decimal.NewFromFloat(0.30)

	// DriftReferenceFloor disables the drift check for references at or below it.
	DriftReferenceFloor = decimal.NewFromFloat(0.10)
)

const observerTimeout = 5 * time.Second

// ChainSource supplies option chains for market validation.
// *marketdata.Cache satisfies it.
type ChainSource interface {
	GetOptionChain(ctx context.Context, symbol string, expiry *time.Time) (*model.OptionChain, error)
}

// LedgerObserver is notified after every committed ledger mutation.
type LedgerObserver interface {
	OnLedgerChange(ctx context.Context, ev model.LedgerEvent) error
}

// ObserverFunc adapts a function to LedgerObserver.
type ObserverFunc func(ctx context.Context, ev model.LedgerEvent) error

func (f ObserverFunc) OnLedgerChange(ctx context.Context, ev model.LedgerEvent) error {
	return f(ctx, ev)
}

// Service executes trades and ledger operations. Per-account serialization
// is delegated to store.Store.InTx.
type Service struct {
	store          store.Store
	market         ChainSource
	observers      []LedgerObserver
	sellPriceCheck bool
	now            func() time.Time
	log            *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithObservers registers ledger observers.
func WithObservers(obs ...LedgerObserver) Option {
	return func(s *Service) { s.observers = append(s.observers, obs...) }
}

// WithSellPriceCheck applies the buy-side drift check to option sells that
// carry a client price.
func WithSellPriceCheck(enabled bool) Option {
	return func(s *Service) { s.sellPriceCheck = enabled }
}

// WithClock injects the time source for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new trade service.
func NewService(st store.Store, market ChainSource, opts ...Option) *Service {
	s := &Service{
		store:  st,
		market: market,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuyRequest is the JSON body for POST /trade/buy.
type BuyRequest struct {
	AccountID  int64            `json:"userId"`
	Ticker     string           `json:"ticker"`
	Type       string           `json:"type"`
	Strategy   string           `json:"strategy"`
	Strike     *decimal.Decimal `json:"strike"`
	Expiry     string           `json:"expiry"`
	EntryPrice decimal.Decimal  `json:"entryPrice"`
	Quantity   decimal.Decimal  `json:"quantity"`
}

// BuyResult describes a committed buy.
type BuyResult struct {
	Position  *model.Position
	TotalCost decimal.Decimal
	Cash      decimal.Decimal
}

// SellRequest is the JSON body for POST /trade/sell. A missing or zero
// CurrentPrice closes the position at its entry price.
type SellRequest struct {
	PositionID   string           `json:"positionId"`
	AccountID    int64            `json:"userId"`
	CurrentPrice *decimal.Decimal `json:"currentPrice"`
}

// SellResult describes a committed sell.
type SellResult struct {
	Position    *model.Position
	Price       decimal.Decimal
	TotalCredit decimal.Decimal
	Cash        decimal.Decimal
}

// buyOrder is a structurally valid BuyRequest.
type buyOrder struct {
	accountID int64
	ticker    string
	kind      string
	strategy  string
	strike    *decimal.Decimal
	expiry    *time.Time
	price     decimal.Decimal
	quantity  decimal.Decimal
}

func validateBuy(req BuyRequest) (*buyOrder, error) {
	o := &buyOrder{
		accountID: req.AccountID,
		ticker:    marketdata.NormalizeSymbol(req.Ticker),
		kind:      req.Type,
		strategy:  req.Strategy,
		price:     req.EntryPrice,
		quantity:  req.Quantity,
	}
	if o.accountID <= 0 {
		return nil, invalidf("userId is required")
	}
	if o.ticker == "" {
		return nil, invalidf("ticker is required")
	}
	if !model.ValidType(o.kind) {
		return nil, invalidf("type must be stock, call or put")
	}
	if !o.quantity.IsPositive() {
		return nil, invalidf("invalid quantity")
	}
	if !o.price.IsPositive() {
		return nil, invalidf("invalid price")
	}
	if o.strategy == "" {
		o.strategy = "long"
	}
	if o.kind == model.TypeStock {
		return o, nil
	}

	if req.Strike == nil || !req.Strike.IsPositive() {
		return nil, invalidf("strike is required for options")
	}
	if req.Expiry == "" {
		return nil, invalidf("expiry is required for options")
	}
	expiry, err := contract.ParseExpiry(req.Expiry)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	o.strike = req.Strike
	o.expiry = &expiry
	return o, nil
}

// CheckDrift rejects requested when it differs from reference by more than
// DriftTolerance. References at or below DriftReferenceFloor are not checked.
func CheckDrift(requested, reference decimal.Decimal) error {
	if reference.LessThanOrEqual(DriftReferenceFloor) {
		return nil
	}
	diff := requested.Sub(reference).Abs().Div(reference)
	if diff.GreaterThan(DriftTolerance) {
		return &PriceDriftError{Requested: requested, Reference: reference}
	}
	return nil
}

// referencePrice looks up the market price of an option contract.
func (s *Service) referencePrice(ctx context.Context, ticker, kind string, strike decimal.Decimal, expiry *time.Time) (decimal.Decimal, error) {
	chain, err := s.market.GetOptionChain(ctx, ticker, expiry)
	if errors.Is(err, marketdata.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: no chain for %s", ErrContractNotFound, ticker)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrMarketDataUnavailable, err)
	}
	c, ok := contract.FindContract(chain, kind, strike)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s %s %s", ErrContractNotFound, ticker, kind, strike)
	}
	return c.LastPrice, nil
}

// Buy validates req against market data and, if it passes, debits cash,
// opens a position and appends a buy ledger entry in one transaction.
func (s *Service) Buy(ctx context.Context, req BuyRequest) (*BuyResult, error) {
	start := time.Now()
	o, err := validateBuy(req)
	if err != nil {
		return nil, s.reject(err)
	}

	if o.kind != model.TypeStock {
		ref, err := s.referencePrice(ctx, o.ticker, o.kind, *o.strike, o.expiry)
		if err != nil {
			return nil, s.reject(err)
		}
		if err := CheckDrift(o.price, ref); err != nil {
			s.log.Warn("price validation failed",
				"account", o.accountID,
				"ticker", o.ticker,
				"requested", o.price.String(),
				"reference", ref.String(),
			)
			return nil, s.reject(err)
		}
	}

	totalCost := o.price.Mul(o.quantity).Mul(model.Multiplier(o.kind))
	now := s.now().UTC()
	pos := &model.Position{
		ID:         uuid.New().String(),
		AccountID:  o.accountID,
		Ticker:     o.ticker,
		Type:       o.kind,
		Strategy:   o.strategy,
		Strike:     o.strike,
		Expiry:     o.expiry,
		EntryPrice: o.price,
		Quantity:   o.quantity,
		CreatedAt:  now,
	}
	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		AccountID: o.accountID,
		Kind:      model.KindBuy,
		Ticker:    o.ticker,
		Amount:    totalCost,
		CreatedAt: now,
	}

	var cash decimal.Decimal
	err = s.store.InTx(ctx, o.accountID, func(tx store.Tx) error {
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		if acct.CashBalance.LessThan(totalCost) {
			return ErrInsufficientFunds
		}
		cash = acct.CashBalance.Sub(totalCost)
		if err := tx.SetBalances(ctx, cash, acct.TotalDeposited); err != nil {
			return err
		}
		if err := tx.InsertPosition(ctx, pos); err != nil {
			return err
		}
		return tx.AppendLedger(ctx, entry)
	})
	if err != nil {
		return nil, s.reject(txError(err))
	}

	metrics.TradesTotal.WithLabelValues("buy", o.kind).Inc()
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())
	metrics.LedgerEntries.WithLabelValues(model.KindBuy).Inc()
	s.log.Info("purchase committed",
		"account", o.accountID,
		"position", pos.ID,
		"ticker", o.ticker,
		"type", o.kind,
		"qty", o.quantity.String(),
		"price", o.price.String(),
		"total_cost", totalCost.String(),
	)
	s.notify(ctx, entry, pos.ID, cash)

	return &BuyResult{Position: pos, TotalCost: totalCost, Cash: cash}, nil
}

// Sell closes a position in full, credits cash and appends a sell ledger
// entry in one transaction.
func (s *Service) Sell(ctx context.Context, req SellRequest) (*SellResult, error) {
	start := time.Now()
	if req.AccountID <= 0 {
		return nil, s.reject(invalidf("userId is required"))
	}
	if req.PositionID == "" {
		return nil, s.reject(invalidf("positionId is required"))
	}
	clientPrice := req.CurrentPrice != nil && !req.CurrentPrice.IsZero()
	if clientPrice && req.CurrentPrice.IsNegative() {
		return nil, s.reject(invalidf("invalid price"))
	}

	if clientPrice && s.sellPriceCheck {
		if err := s.checkSellPrice(ctx, req); err != nil {
			return nil, s.reject(err)
		}
	}

	var res SellResult
	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		AccountID: req.AccountID,
		Kind:      model.KindSell,
	}
	err := s.store.InTx(ctx, req.AccountID, func(tx store.Tx) error {
		pos, err := tx.GetPosition(ctx, req.PositionID)
		if err != nil {
			return err
		}
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}

		res.Position = pos
		res.Price = pos.EntryPrice
		if clientPrice {
			res.Price = *req.CurrentPrice
		}
		res.TotalCredit = pos.Notional(res.Price)
		res.Cash = acct.CashBalance.Add(res.TotalCredit)

		if err := tx.SetBalances(ctx, res.Cash, acct.TotalDeposited); err != nil {
			return err
		}
		if err := tx.DeletePosition(ctx, pos.ID); err != nil {
			return err
		}
		entry.Ticker = pos.Ticker
		entry.Amount = res.TotalCredit
		entry.CreatedAt = s.now().UTC()
		return tx.AppendLedger(ctx, entry)
	})
	if err != nil {
		return nil, s.reject(txError(err))
	}

	if clientPrice && !s.sellPriceCheck {
		metrics.UnverifiedSells.Inc()
		s.log.Warn("sell executed at unverified client price",
			"account", req.AccountID,
			"position", res.Position.ID,
			"ticker", res.Position.Ticker,
			"price", res.Price.String(),
		)
	}
	metrics.TradesTotal.WithLabelValues("sell", res.Position.Type).Inc()
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())
	metrics.LedgerEntries.WithLabelValues(model.KindSell).Inc()
	s.log.Info("sale committed",
		"account", req.AccountID,
		"position", res.Position.ID,
		"ticker", res.Position.Ticker,
		"price", res.Price.String(),
		"total_credit", res.TotalCredit.String(),
	)
	s.notify(ctx, entry, res.Position.ID, res.Cash)

	return &res, nil
}

// checkSellPrice applies the drift check to an option sell. The position is
// read outside the transaction so no market call happens while it is open;
// the transaction re-reads it.
func (s *Service) checkSellPrice(ctx context.Context, req SellRequest) error {
	positions, err := s.store.ListPositions(ctx, req.AccountID)
	if err != nil {
		return txError(err)
	}
	for _, p := range positions {
		if p.ID != req.PositionID {
			continue
		}
		if p.Type == model.TypeStock || p.Strike == nil {
			return nil
		}
		ref, err := s.referencePrice(ctx, p.Ticker, p.Type, *p.Strike, p.Expiry)
		if err != nil {
			return err
		}
		return CheckDrift(*req.CurrentPrice, ref)
	}
	return ErrPositionNotFound
}

// Deposit adds amount to both cash and total deposited.
func (s *Service) Deposit(ctx context.Context, accountID int64, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, s.reject(invalidf("deposit amount must be positive"))
	}

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Kind:      model.KindDeposit,
		Amount:    amount,
		CreatedAt: s.now().UTC(),
	}
	var acct *model.Account
	err := s.store.InTx(ctx, accountID, func(tx store.Tx) error {
		var err error
		if acct, err = tx.Account(ctx); err != nil {
			return err
		}
		acct.CashBalance = acct.CashBalance.Add(amount)
		acct.TotalDeposited = acct.TotalDeposited.Add(amount)
		if err := tx.SetBalances(ctx, acct.CashBalance, acct.TotalDeposited); err != nil {
			return err
		}
		return tx.AppendLedger(ctx, entry)
	})
	if err != nil {
		return nil, txError(err)
	}

	metrics.LedgerEntries.WithLabelValues(model.KindDeposit).Inc()
	s.log.Info("deposit committed", "account", accountID, "amount", amount.String())
	s.notify(ctx, entry, "", acct.CashBalance)
	return acct, nil
}

// Reset deletes every position and restores cash and total deposited to
// model.StartingBalance. XP and level are untouched.
func (s *Service) Reset(ctx context.Context, accountID int64) (*model.Account, error) {
	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Kind:      model.KindReset,
		Amount:    decimal.Zero,
		CreatedAt: s.now().UTC(),
	}
	var acct *model.Account
	err := s.store.InTx(ctx, accountID, func(tx store.Tx) error {
		var err error
		if acct, err = tx.Account(ctx); err != nil {
			return err
		}
		if err := tx.DeleteAllPositions(ctx); err != nil {
			return err
		}
		acct.CashBalance = model.StartingBalance
		acct.TotalDeposited = model.StartingBalance
		if err := tx.SetBalances(ctx, acct.CashBalance, acct.TotalDeposited); err != nil {
			return err
		}
		return tx.AppendLedger(ctx, entry)
	})
	if err != nil {
		return nil, txError(err)
	}

	metrics.LedgerEntries.WithLabelValues(model.KindReset).Inc()
	s.log.Info("portfolio reset", "account", accountID)
	s.notify(ctx, entry, "", acct.CashBalance)
	return acct, nil
}

// CreateAccount opens a new account funded with model.StartingBalance.
func (s *Service) CreateAccount(ctx context.Context, username string) (*model.Account, error) {
	if username == "" {
		return nil, invalidf("username is required")
	}
	acct, err := s.store.CreateAccount(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreTransaction, err)
	}
	s.log.Info("account created", "account", acct.ID, "username", username)
	return acct, nil
}

// Account returns the account or ErrAccountNotFound.
func (s *Service) Account(ctx context.Context, accountID int64) (*model.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, txError(err)
	}
	return acct, nil
}

// Transactions returns the account's ledger, oldest first.
func (s *Service) Transactions(ctx context.Context, accountID int64) ([]model.LedgerEntry, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedger(ctx, accountID)
	if err != nil {
		return nil, txError(err)
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// notify calls every observer after a commit. Failures are logged only.
func (s *Service) notify(ctx context.Context, entry *model.LedgerEntry, positionID string, cash decimal.Decimal) {
	if len(s.observers) == 0 {
		return
	}
	ev := model.LedgerEvent{
		AccountID:   entry.AccountID,
		Kind:        entry.Kind,
		Ticker:      entry.Ticker,
		Amount:      entry.Amount,
		PositionID:  positionID,
		CashBalance: cash,
		At:          entry.CreatedAt,
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), observerTimeout)
	defer cancel()
	for _, obs := range s.observers {
		if err := obs.OnLedgerChange(ctx, ev); err != nil {
			s.log.Warn("ledger observer failed", "account", ev.AccountID, "kind", ev.Kind, "err", err)
		}
	}
}

// reject counts a validation failure and returns err unchanged.
func (s *Service) reject(err error) error {
	reason := "store"
	var drift *PriceDriftError
	switch {
	case errors.As(err, &drift):
		reason = "drift"
	case errors.Is(err, ErrInvalidOrder):
		reason = "invalid"
	case errors.Is(err, ErrContractNotFound):
		reason = "contract_not_found"
	case errors.Is(err, ErrMarketDataUnavailable):
		reason = "market_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		reason = "insufficient_funds"
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrPositionNotFound):
		reason = "not_found"
	}
	metrics.TradeRejections.WithLabelValues(reason).Inc()
	return err
}

// txError maps store errors onto the trade taxonomy. Errors already in it
// pass through.
func txError(err error) error {
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		return ErrAccountNotFound
	case errors.Is(err, store.ErrPositionNotFound):
		return ErrPositionNotFound
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrPositionNotFound),
		errors.Is(err, ErrAccountNotFound):
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreTransaction, err)
}
