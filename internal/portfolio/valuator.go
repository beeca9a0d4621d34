// Package portfolio marks open positions to market and summarizes an
// account's holdings.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/contract"
	"github.com/optionquest/trading-core/internal/model"
	"github.com/optionquest/trading-core/internal/pricing"
	"github.com/optionquest/trading-core/internal/store"
)

// Price sources reported on an EnrichedPosition.
const (
	SourceMarket = "market"
	SourceEntry  = "entry"
)

// ErrAccountNotFound is returned for an unknown account id.
var ErrAccountNotFound = errors.New("portfolio: account not found")

var hundred = decimal.NewFromInt(100)

// MarketData supplies quotes and chains. *marketdata.Cache satisfies it.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (*model.Quote, error)
	GetOptionChain(ctx context.Context, symbol string, expiry *time.Time) (*model.OptionChain, error)
}

// Accounts is the read side of store.Store the valuator needs.
type Accounts interface {
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	ListPositions(ctx context.Context, accountID int64) ([]model.Position, error)
}

// Valuator marks positions to market. It is read-only apart from the cache
// fills its lookups cause.
type Valuator struct {
	accounts Accounts
	market   MarketData
	now      func() time.Time
	log      *slog.Logger
}

// NewValuator creates a valuator. now may be nil to use time.Now.
func NewValuator(accounts Accounts, market MarketData, now func() time.Time) *Valuator {
	if now == nil {
		now = time.Now
	}
	return &Valuator{
		accounts: accounts,
		market:   market,
		now:      now,
		log:      slog.Default(),
	}
}

// Positions returns the account's positions marked to market. daysForward
// shifts the theoretical price of options forward in time.
func (v *Valuator) Positions(ctx context.Context, accountID int64, daysForward float64) ([]model.EnrichedPosition, error) {
	if _, err := v.account(ctx, accountID); err != nil {
		return nil, err
	}
	positions, err := v.accounts.ListPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions %d: %w", accountID, err)
	}
	return v.Value(ctx, positions, daysForward), nil
}

// Portfolio returns cash, marked positions and totals for the account.
func (v *Valuator) Portfolio(ctx context.Context, accountID int64, daysForward float64) (*model.Portfolio, error) {
	acct, err := v.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := v.accounts.ListPositions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list positions %d: %w", accountID, err)
	}

	p := &model.Portfolio{
		AccountID:      accountID,
		Cash:           acct.CashBalance,
		TotalDeposited: acct.TotalDeposited,
		Positions:      v.Value(ctx, positions, daysForward),
	}
	for _, ep := range p.Positions {
		p.MarketValue = p.MarketValue.Add(ep.MarketValue)
		p.TotalPnL = p.TotalPnL.Add(ep.UnrealizedPnL)
	}
	p.AccountValue = p.Cash.Add(p.MarketValue)
	return p, nil
}

func (v *Valuator) account(ctx context.Context, accountID int64) (*model.Account, error) {
	acct, err := v.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", accountID, err)
	}
	return acct, nil
}

// Value marks positions to market with one quote lookup per ticker and one
// default-expiry chain lookup per ticker holding options. Lookup failures
// are logged and the entry price is used instead.
func (v *Valuator) Value(ctx context.Context, positions []model.Position, daysForward float64) []model.EnrichedPosition {
	quotes := make(map[string]*model.Quote)
	chains := make(map[string]*model.OptionChain)
	needChain := make(map[string]bool)
	for _, p := range positions {
		if p.Type != model.TypeStock {
			needChain[p.Ticker] = true
		}
		quotes[p.Ticker] = nil
	}

	for ticker := range quotes {
		q, err := v.market.GetQuote(ctx, ticker)
		if err != nil {
			v.log.Warn("quote lookup failed, using entry price", "ticker", ticker, "err", err)
			continue
		}
		quotes[ticker] = q
	}
	for ticker := range needChain {
		chain, err := v.market.GetOptionChain(ctx, ticker, nil)
		if err != nil {
			v.log.Warn("option chain lookup failed, using entry price", "ticker", ticker, "err", err)
			continue
		}
		chains[ticker] = chain
	}

	now := v.now()
	out := make([]model.EnrichedPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, v.enrich(p, quotes[p.Ticker], chains[p.Ticker], daysForward, now))
	}
	return out
}

func (v *Valuator) enrich(p model.Position, quote *model.Quote, chain *model.OptionChain, daysForward float64, now time.Time) model.EnrichedPosition {
	ep := model.EnrichedPosition{
		Position:     p,
		CurrentPrice: p.EntryPrice,
		PriceSource:  SourceEntry,
	}

	if p.Type == model.TypeStock {
		if quote != nil && quote.Price.IsPositive() {
			ep.CurrentPrice = quote.Price
			ep.PriceSource = SourceMarket
		}
	} else if p.Strike != nil {
		if c, ok := contract.FindContract(chain, p.Type, *p.Strike); ok {
			ep.CurrentPrice = c.LastPrice
			ep.PriceSource = SourceMarket
			if quote != nil {
				tp := pricing.TheoreticalPrice(pricing.Input{
					Spot:              quote.Price,
					Strike:            c.Strike,
					Expiry:            optionExpiry(p, c, chain),
					ImpliedVolatility: c.ImpliedVolatility,
					Kind:              p.Type,
					DaysForward:       daysForward,
				}, now)
				ep.TheoreticalPrice = &tp
			}
		}
	}

	mult := model.Multiplier(p.Type)
	ep.MarketValue = ep.CurrentPrice.Mul(p.Quantity).Mul(mult)
	ep.UnrealizedPnL = ep.CurrentPrice.Sub(p.EntryPrice).Mul(p.Quantity).Mul(mult)
	if p.EntryPrice.IsPositive() {
		ep.UnrealizedPnLPercent = ep.CurrentPrice.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(hundred).Round(2)
	}
	return ep
}

// optionExpiry prefers the position's own expiry, then the contract's, then
// the chain's.
func optionExpiry(p model.Position, c *model.OptionContract, chain *model.OptionChain) time.Time {
	switch {
	case p.Expiry != nil:
		return *p.Expiry
	case !c.Expiration.IsZero():
		return c.Expiration
	}
	return chain.Expiration
}
