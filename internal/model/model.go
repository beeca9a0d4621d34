// Package model defines the core domain types shared across the trading core.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument kinds a position can hold.
const (
	TypeStock = "stock"
	TypeCall  = "call"
	TypePut   = "put"
)

// Ledger entry kinds.
const (
	KindDeposit = "deposit"
	KindBuy     = "buy"
	KindSell    = "sell"
	KindReset   = "reset"
)

var (
	// StartingBalance is the cash an account holds on creation and after reset.
	StartingBalance = decimal.NewFromInt(10000)

	// ContractMultiplier converts a per-unit option price into per-contract notional.
	ContractMultiplier = decimal.NewFromInt(100)
)

// ValidType reports whether t is a supported instrument kind.
func ValidType(t string) bool {
	return t == TypeStock || t == TypeCall || t == TypePut
}

// Multiplier returns 100 for option kinds and 1 for stock.
func Multiplier(instrumentType string) decimal.Decimal {
	if instrumentType == TypeStock {
		return decimal.NewFromInt(1)
	}
	return ContractMultiplier
}

// Account is a trader's cash ledger. XP and Level belong to the progress
// tracker and are read-only here.
type Account struct {
	ID             int64           `json:"id" db:"id"`
	Username       string          `json:"username" db:"username"`
	XP             int64           `json:"xp" db:"xp"`
	Level          int64           `json:"level" db:"level"`
	CashBalance    decimal.Decimal `json:"current_cash" db:"cash_balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited" db:"total_deposited"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Position is an open holding created by a buy and destroyed by a sell.
// Strike and Expiry are nil for stock.
type Position struct {
	ID         string           `json:"id" db:"id"`
	AccountID  int64            `json:"user_id" db:"user_id"`
	Ticker     string           `json:"ticker" db:"ticker"`
	Type       string           `json:"type" db:"type"`
	Strategy   string           `json:"strategy" db:"strategy"`
	Strike     *decimal.Decimal `json:"strike" db:"strike"`
	Expiry     *time.Time       `json:"expiry" db:"expiry"`
	EntryPrice decimal.Decimal  `json:"entry_price" db:"entry_price"`
	Quantity   decimal.Decimal  `json:"quantity" db:"quantity"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// Notional returns price × quantity × multiplier for this position.
func (p *Position) Notional(price decimal.Decimal) decimal.Decimal {
	return price.Mul(p.Quantity).Mul(Multiplier(p.Type))
}

// LedgerEntry is an immutable cash movement record.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	AccountID int64           `json:"user_id" db:"user_id"`
	Kind      string          `json:"kind" db:"kind"`
	Ticker    string          `json:"ticker,omitempty" db:"ticker"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Quote is the latest price for an underlying symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"regularMarketPrice"`
	PreviousClose decimal.Decimal `json:"regularMarketPreviousClose"`
	Timestamp     time.Time       `json:"regularMarketTime"`
}

// OptionContract is one row of an option chain as supplied by the provider.
type OptionContract struct {
	Symbol            string          `json:"contractSymbol"`
	Strike            decimal.Decimal `json:"strike"`
	Expiration        time.Time       `json:"expiration"`
	LastPrice         decimal.Decimal `json:"lastPrice"`
	Bid               decimal.Decimal `json:"bid"`
	Ask               decimal.Decimal `json:"ask"`
	ImpliedVolatility float64         `json:"impliedVolatility"`
}

// OptionChain holds the calls and puts for a single expiration.
type OptionChain struct {
	Symbol          string           `json:"underlyingSymbol"`
	UnderlyingPrice decimal.Decimal  `json:"underlyingPrice"`
	Expiration      time.Time        `json:"expirationDate"`
	ExpirationDates []time.Time      `json:"expirationDates"`
	Calls           []OptionContract `json:"calls"`
	Puts            []OptionContract `json:"puts"`
}

// Contracts returns the calls or puts for the given instrument kind.
func (c *OptionChain) Contracts(instrumentType string) []OptionContract {
	switch instrumentType {
	case TypeCall:
		return c.Calls
	case TypePut:
		return c.Puts
	}
	return nil
}

// EnrichedPosition is a Position marked to market.
type EnrichedPosition struct {
	Position
	CurrentPrice         decimal.Decimal  `json:"current_price"`
	PriceSource          string           `json:"price_source"` // "market" or "entry"
	TheoreticalPrice     *decimal.Decimal `json:"theoretical_price,omitempty"`
	MarketValue          decimal.Decimal  `json:"market_value"`
	UnrealizedPnL        decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal  `json:"unrealized_pnl_percent"`
}

// Portfolio aggregates an account's cash and marked positions.
type Portfolio struct {
	AccountID      int64              `json:"user_id"`
	Cash           decimal.Decimal    `json:"current_cash"`
	TotalDeposited decimal.Decimal    `json:"total_deposited"`
	Positions      []EnrichedPosition `json:"positions"`
	MarketValue    decimal.Decimal    `json:"market_value"`
	TotalPnL       decimal.Decimal    `json:"total_unrealized_pnl"`
	AccountValue   decimal.Decimal    `json:"account_value"` // cash + market value
}

// LedgerEvent describes a committed ledger mutation. It is what observers
// (the progress tracker, the WebSocket feed, the event bus) receive.
type LedgerEvent struct {
	AccountID   int64           `json:"user_id"`
	Kind        string          `json:"kind"`
	Ticker      string          `json:"ticker,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	PositionID  string          `json:"position_id,omitempty"`
	CashBalance decimal.Decimal `json:"current_cash"`
	At          time.Time       `json:"at"`
}
