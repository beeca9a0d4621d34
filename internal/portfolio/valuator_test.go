package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/marketdata"
	"github.com/optionquest/trading-core/internal/model"
	"github.com/optionquest/trading-core/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	testNow    = time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	testExpiry = time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
)

type fakeMarket struct {
	quotes       map[string]decimal.Decimal
	quoteErr     error
	chainErr     error
	quoteCalls   map[string]int
	chainCalls   map[string]int
	chainExpires []*time.Time
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		quotes:     map[string]decimal.Decimal{"AAPL": d(152), "MSFT": d(410)},
		quoteCalls: make(map[string]int),
		chainCalls: make(map[string]int),
	}
}

func (m *fakeMarket) GetQuote(_ context.Context, symbol string) (*model.Quote, error) {
	m.quoteCalls[symbol]++
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	price, ok := m.quotes[symbol]
	if !ok {
		return nil, marketdata.ErrNotFound
	}
	return &model.Quote{Symbol: symbol, Price: price}, nil
}

func (m *fakeMarket) GetOptionChain(_ context.Context, symbol string, expiry *time.Time) (*model.OptionChain, error) {
	m.chainCalls[symbol]++
	m.chainExpires = append(m.chainExpires, expiry)
	if m.chainErr != nil {
		return nil, m.chainErr
	}
	if symbol != "AAPL" {
		return nil, marketdata.ErrNotFound
	}
	return &model.OptionChain{
		Symbol:     "AAPL",
		Expiration: testExpiry,
		Calls:      []model.OptionContract{{Strike: d(150), LastPrice: d(2.05), ImpliedVolatility: 0.25}},
		Puts:       []model.OptionContract{{Strike: d(150), LastPrice: d(3.30)}},
	}, nil
}

type fixture struct {
	store  *store.MemoryStore
	market *fakeMarket
	val    *Valuator
	acct   *model.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	acct, err := ms.CreateAccount(context.Background(), "Trader1")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	m := newFakeMarket()
	return &fixture{store: ms, market: m, val: NewValuator(ms, m, func() time.Time { return testNow }), acct: acct}
}

func (f *fixture) open(t *testing.T, ticker, kind string, strike float64, entry, qty float64) string {
	t.Helper()
	p := &model.Position{
		ID:         uuid.NewString(),
		Ticker:     ticker,
		Type:       kind,
		Strategy:   "long",
		EntryPrice: d(entry),
		Quantity:   d(qty),
		CreatedAt:  time.Now(),
	}
	if kind != model.TypeStock {
		s := d(strike)
		e := testExpiry
		p.Strike = &s
		p.Expiry = &e
	}
	if err := f.store.InTx(context.Background(), f.acct.ID, func(tx store.Tx) error {
		return tx.InsertPosition(context.Background(), p)
	}); err != nil {
		t.Fatalf("insert position: %v", err)
	}
	return p.ID
}

func byID(positions []model.EnrichedPosition) map[string]model.EnrichedPosition {
	out := make(map[string]model.EnrichedPosition)
	for _, p := range positions {
		out[p.ID] = p
	}
	return out
}

func TestPositions_MarksToMarket(t *testing.T) {
	f := newFixture(t)
	stock := f.open(t, "MSFT", model.TypeStock, 0, 400, 2)
	call := f.open(t, "AAPL", model.TypeCall, 150.05, 2.00, 1)
	put := f.open(t, "AAPL", model.TypePut, 140, 1.00, 3)

	got, err := f.val.Positions(context.Background(), f.acct.ID, 0)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	pos := byID(got)

	s := pos[stock]
	if !s.CurrentPrice.Equal(d(410)) || s.PriceSource != SourceMarket {
		t.Errorf("stock: expected market 410, got %s (%s)", s.CurrentPrice, s.PriceSource)
	}
	if !s.UnrealizedPnL.Equal(d(20)) || !s.MarketValue.Equal(d(820)) {
		t.Errorf("stock: expected pnl 20 value 820, got %s / %s", s.UnrealizedPnL, s.MarketValue)
	}
	if s.TheoreticalPrice != nil {
		t.Error("stock must not carry a theoretical price")
	}

	c := pos[call]
	if !c.CurrentPrice.Equal(d(2.05)) || c.PriceSource != SourceMarket {
		t.Errorf("call: expected tolerance match at 2.05, got %s (%s)", c.CurrentPrice, c.PriceSource)
	}
	if !c.UnrealizedPnL.Equal(d(5)) {
		t.Errorf("call: expected pnl 5, got %s", c.UnrealizedPnL)
	}
	if !c.UnrealizedPnLPercent.Equal(d(2.5)) {
		t.Errorf("call: expected pnl%% 2.5, got %s", c.UnrealizedPnLPercent)
	}
	if c.TheoreticalPrice == nil || c.TheoreticalPrice.LessThan(d(0.01)) {
		t.Errorf("call: expected theoretical price, got %v", c.TheoreticalPrice)
	}

	p := pos[put]
	if !p.CurrentPrice.Equal(d(1)) || p.PriceSource != SourceEntry {
		t.Errorf("unmatched put: expected entry fallback, got %s (%s)", p.CurrentPrice, p.PriceSource)
	}
	if !p.UnrealizedPnL.IsZero() || p.TheoreticalPrice != nil {
		t.Errorf("unmatched put: expected zero pnl and no theoretical, got %+v", p)
	}
}

func TestPositions_OneLookupPerTicker(t *testing.T) {
	f := newFixture(t)
	f.open(t, "AAPL", model.TypeStock, 0, 150, 1)
	f.open(t, "AAPL", model.TypeCall, 150, 2, 1)
	f.open(t, "AAPL", model.TypePut, 150, 3, 1)
	f.open(t, "MSFT", model.TypeStock, 0, 400, 1)

	if _, err := f.val.Positions(context.Background(), f.acct.ID, 0); err != nil {
		t.Fatalf("positions: %v", err)
	}
	if f.market.quoteCalls["AAPL"] != 1 || f.market.quoteCalls["MSFT"] != 1 {
		t.Errorf("expected one quote per ticker, got %v", f.market.quoteCalls)
	}
	if f.market.chainCalls["AAPL"] != 1 || f.market.chainCalls["MSFT"] != 0 {
		t.Errorf("expected one chain for AAPL only, got %v", f.market.chainCalls)
	}
	for _, e := range f.market.chainExpires {
		if e != nil {
			t.Errorf("valuation must request the default expiry, got %v", e)
		}
	}
}

func TestPositions_LookupFailuresFallBackToEntry(t *testing.T) {
	f := newFixture(t)
	f.market.quoteErr = fmt.Errorf("%w: timeout", marketdata.ErrUnavailable)
	f.market.chainErr = fmt.Errorf("%w: timeout", marketdata.ErrUnavailable)
	f.open(t, "MSFT", model.TypeStock, 0, 400, 1)
	f.open(t, "AAPL", model.TypeCall, 150, 2, 1)

	got, err := f.val.Positions(context.Background(), f.acct.ID, 0)
	if err != nil {
		t.Fatalf("lookup failures must not fail valuation: %v", err)
	}
	for _, p := range got {
		if p.PriceSource != SourceEntry || !p.CurrentPrice.Equal(p.EntryPrice) {
			t.Errorf("%s: expected entry fallback, got %s (%s)", p.Ticker, p.CurrentPrice, p.PriceSource)
		}
	}
}

func TestPositions_DaysForwardDecaysTheoretical(t *testing.T) {
	f := newFixture(t)
	id := f.open(t, "AAPL", model.TypeCall, 150, 2, 1)

	today, _ := f.val.Positions(context.Background(), f.acct.ID, 0)
	later, _ := f.val.Positions(context.Background(), f.acct.ID, 10)

	a := byID(today)[id].TheoreticalPrice
	b := byID(later)[id].TheoreticalPrice
	if a == nil || b == nil {
		t.Fatal("expected theoretical prices")
	}
	if !b.LessThan(*a) {
		t.Errorf("expected time decay: today %s, +10d %s", a, b)
	}
}

func TestPortfolio_Totals(t *testing.T) {
	f := newFixture(t)
	f.open(t, "MSFT", model.TypeStock, 0, 400, 2) // value 820, pnl 20
	f.open(t, "AAPL", model.TypeCall, 150, 2, 1)  // value 205, pnl 5

	p, err := f.val.Portfolio(context.Background(), f.acct.ID, 0)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if !p.Cash.Equal(d(10000)) {
		t.Errorf("expected cash 10000, got %s", p.Cash)
	}
	if !p.MarketValue.Equal(d(1025)) || !p.TotalPnL.Equal(d(25)) {
		t.Errorf("expected value 1025 pnl 25, got %s / %s", p.MarketValue, p.TotalPnL)
	}
	if !p.AccountValue.Equal(d(11025)) {
		t.Errorf("expected account value 11025, got %s", p.AccountValue)
	}
}

func TestPositions_UnknownAccount(t *testing.T) {
	f := newFixture(t)
	if _, err := f.val.Positions(context.Background(), 999, 0); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestHandlers(t *testing.T) {
	f := newFixture(t)
	f.open(t, "MSFT", model.TypeStock, 0, 400, 1)

	r := chi.NewRouter()
	r.Get("/user/{id}/positions", f.val.HandlePositions)
	r.Get("/user/{id}/portfolio", f.val.HandlePortfolio)

	tests := []struct {
		path string
		want int
	}{
		{fmt.Sprintf("/user/%d/positions", f.acct.ID), http.StatusOK},
		{fmt.Sprintf("/user/%d/portfolio?daysForward=3", f.acct.ID), http.StatusOK},
		{"/user/999/positions", http.StatusNotFound},
		{"/user/x/portfolio", http.StatusBadRequest},
		{fmt.Sprintf("/user/%d/positions?daysForward=-2", f.acct.ID), http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))
		if w.Code != tt.want {
			t.Errorf("GET %s: expected %d, got %d", tt.path, tt.want, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", fmt.Sprintf("/user/%d/positions", f.acct.ID), nil))
	var positions []map[string]any
	json.NewDecoder(w.Body).Decode(&positions)
	if len(positions) != 1 || positions[0]["current_price"] != "410" || positions[0]["price_source"] != "market" {
		t.Errorf("unexpected positions body: %v", positions)
	}
}
