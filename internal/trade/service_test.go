package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/marketdata"
	"github.com/optionquest/trading-core/internal/model"
	"github.com/optionquest/trading-core/internal/store"
	"github.com/optionquest/trading-core/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := d(f)
	return &v
}

var testExpiry = time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)

// fakeChains serves a fixed AAPL chain, or err when set.
type fakeChains struct {
	mu    sync.Mutex
	chain *model.OptionChain
	err   error
	calls int
}

func (f *fakeChains) GetOptionChain(_ context.Context, symbol string, _ *time.Time) (*model.OptionChain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.chain == nil || f.chain.Symbol != symbol {
		return nil, fmt.Errorf("chain %s: %w", symbol, marketdata.ErrNotFound)
	}
	return f.chain, nil
}

func aaplChain() *model.OptionChain {
	return &model.OptionChain{
		Symbol:     "AAPL",
		Expiration: testExpiry,
		Calls: []model.OptionContract{
			{Symbol: "AAPL250117C00145000", Strike: d(145), LastPrice: d(6.10)},
			{Symbol: "AAPL250117C00150000", Strike: d(150), LastPrice: d(2.05)},
			{Symbol: "AAPL250117C00200000", Strike: d(200), LastPrice: d(0.05)},
		},
		Puts: []model.OptionContract{
			{Symbol: "AAPL250117P00150000", Strike: d(150), LastPrice: d(3.30)},
		},
	}
}

// recorder captures observer notifications.
type recorder struct {
	mu     sync.Mutex
	events []model.LedgerEvent
}

func (r *recorder) OnLedgerChange(_ context.Context, ev model.LedgerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type testEnv struct {
	svc    *trade.Service
	store  *store.MemoryStore
	chains *fakeChains
	obs    *recorder
	acct   *model.Account
	router chi.Router
}

// newTestEnv creates a Service over an in-memory store with one funded account.
func newTestEnv(t *testing.T, opts ...trade.Option) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	acct, err := ms.CreateAccount(context.Background(), "Trader1")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	chains := &fakeChains{chain: aaplChain()}
	obs := &recorder{}
	svc := trade.NewService(ms, chains, append([]trade.Option{trade.WithObservers(obs)}, opts...)...)

	r := chi.NewRouter()
	r.Post("/trade/buy", svc.HandleBuy)
	r.Post("/trade/sell", svc.HandleSell)
	r.Post("/user", svc.HandleCreateAccount)
	r.Get("/user/{id}", svc.HandleGetAccount)
	r.Post("/user/{id}/deposit", svc.HandleDeposit)
	r.Post("/user/{id}/reset-portfolio", svc.HandleReset)
	r.Get("/user/{id}/transactions", svc.HandleTransactions)

	return &testEnv{svc: svc, store: ms, chains: chains, obs: obs, acct: acct, router: r}
}

func (e *testEnv) callBuy(price float64) trade.BuyRequest {
	return trade.BuyRequest{
		AccountID:  e.acct.ID,
		Ticker:     "AAPL",
		Type:       model.TypeCall,
		Strike:     dp(150),
		Expiry:     "2025-01-17",
		EntryPrice: d(price),
		Quantity:   d(1),
	}
}

func (e *testEnv) cash(t *testing.T) decimal.Decimal {
	t.Helper()
	a, err := e.store.GetAccount(context.Background(), e.acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.CashBalance
}

func (e *testEnv) ledgerKinds(t *testing.T) []string {
	t.Helper()
	entries, _ := e.store.ListLedger(context.Background(), e.acct.ID)
	var kinds []string
	for _, le := range entries {
		kinds = append(kinds, le.Kind)
	}
	return kinds
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// --- Service tests ---

func TestScenario_BuyRejectSell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Buy(ctx, env.callBuy(2.00))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !res.TotalCost.Equal(d(200)) {
		t.Errorf("expected total cost 200, got %s", res.TotalCost)
	}
	if got := env.cash(t); !got.Equal(d(9800)) {
		t.Fatalf("expected cash 9800 after buy, got %s", got)
	}

	_, err = env.svc.Buy(ctx, env.callBuy(3.00))
	var drift *trade.PriceDriftError
	if !errors.As(err, &drift) {
		t.Fatalf("expected PriceDriftError, got %v", err)
	}
	if !errors.Is(err, trade.ErrPriceDriftExceeded) {
		t.Error("drift error must match ErrPriceDriftExceeded")
	}
	if !drift.Reference.Equal(d(2.05)) || !drift.Requested.Equal(d(3)) {
		t.Errorf("unexpected drift payload: %+v", drift)
	}
	if got := env.cash(t); !got.Equal(d(9800)) {
		t.Fatalf("rejected buy must not move cash, got %s", got)
	}

	sold, err := env.svc.Sell(ctx, trade.SellRequest{
		PositionID:   res.Position.ID,
		AccountID:    env.acct.ID,
		CurrentPrice: dp(5.00),
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sold.TotalCredit.Equal(d(500)) {
		t.Errorf("expected credit 500, got %s", sold.TotalCredit)
	}
	if got := env.cash(t); !got.Equal(d(10300)) {
		t.Errorf("expected cash 10300 after sell, got %s", got)
	}

	positions, _ := env.store.ListPositions(ctx, env.acct.ID)
	if len(positions) != 0 {
		t.Errorf("expected position closed, got %d", len(positions))
	}
	kinds := env.ledgerKinds(t)
	if len(kinds) != 2 || kinds[0] != model.KindBuy || kinds[1] != model.KindSell {
		t.Errorf("expected ledger [buy sell], got %v", kinds)
	}
}

func TestBuy_StockSkipsMarketValidation(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.Buy(context.Background(), trade.BuyRequest{
		AccountID:  env.acct.ID,
		Ticker:     "msft",
		Type:       model.TypeStock,
		EntryPrice: d(400),
		Quantity:   d(2),
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if env.chains.calls != 0 {
		t.Errorf("stock buy must not fetch a chain, got %d calls", env.chains.calls)
	}
	if !res.TotalCost.Equal(d(800)) {
		t.Errorf("expected cost 800 (multiplier 1), got %s", res.TotalCost)
	}
	if res.Position.Ticker != "MSFT" || res.Position.Strike != nil || res.Position.Expiry != nil {
		t.Errorf("unexpected stock position: %+v", res.Position)
	}
	if res.Position.Strategy != "long" {
		t.Errorf("expected default strategy long, got %q", res.Position.Strategy)
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Buy(context.Background(), trade.BuyRequest{
		AccountID:  env.acct.ID,
		Ticker:     "AAPL",
		Type:       model.TypeStock,
		EntryPrice: d(200),
		Quantity:   d(51),
	})
	if !errors.Is(err, trade.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := env.cash(t); !got.Equal(d(10000)) {
		t.Errorf("cash must be unchanged, got %s", got)
	}
	if kinds := env.ledgerKinds(t); len(kinds) != 0 {
		t.Errorf("no ledger rows expected, got %v", kinds)
	}
}

func TestBuy_ExactBalanceAllowed(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Buy(context.Background(), trade.BuyRequest{
		AccountID:  env.acct.ID,
		Ticker:     "AAPL",
		Type:       model.TypeStock,
		EntryPrice: d(100),
		Quantity:   d(100),
	})
	if err != nil {
		t.Fatalf("buy of exactly the balance should succeed: %v", err)
	}
	if got := env.cash(t); !got.IsZero() {
		t.Errorf("expected cash 0, got %s", got)
	}
}

func TestBuy_InvalidOrders(t *testing.T) {
	env := newTestEnv(t)
	base := env.callBuy(2)

	tests := []struct {
		name   string
		mutate func(r *trade.BuyRequest)
	}{
		{"missing account", func(r *trade.BuyRequest) { r.AccountID = 0 }},
		{"missing ticker", func(r *trade.BuyRequest) { r.Ticker = " " }},
		{"bad type", func(r *trade.BuyRequest) { r.Type = "future" }},
		{"zero quantity", func(r *trade.BuyRequest) { r.Quantity = decimal.Zero }},
		{"negative quantity", func(r *trade.BuyRequest) { r.Quantity = d(-1) }},
		{"zero price", func(r *trade.BuyRequest) { r.EntryPrice = decimal.Zero }},
		{"missing strike", func(r *trade.BuyRequest) { r.Strike = nil }},
		{"negative strike", func(r *trade.BuyRequest) { r.Strike = dp(-150) }},
		{"missing expiry", func(r *trade.BuyRequest) { r.Expiry = "" }},
		{"bad expiry", func(r *trade.BuyRequest) { r.Expiry = "next friday" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := env.svc.Buy(context.Background(), req)
			if !errors.Is(err, trade.ErrInvalidOrder) {
				t.Errorf("expected ErrInvalidOrder, got %v", err)
			}
		})
	}
	if env.chains.calls != 0 {
		t.Errorf("invalid orders must not reach market data, got %d calls", env.chains.calls)
	}
}

func TestBuy_StrikeTolerance(t *testing.T) {
	env := newTestEnv(t)

	req := env.callBuy(2.05)
	req.Strike = dp(150.05)
	if _, err := env.svc.Buy(context.Background(), req); err != nil {
		t.Errorf("strike within 0.1 should match: %v", err)
	}

	req.Strike = dp(150.1)
	if _, err := env.svc.Buy(context.Background(), req); !errors.Is(err, trade.ErrContractNotFound) {
		t.Errorf("strike 0.1 away must not match, got %v", err)
	}
}

func TestBuy_ContractNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.callBuy(2)
	req.Strike = dp(155)
	if _, err := env.svc.Buy(ctx, req); !errors.Is(err, trade.ErrContractNotFound) {
		t.Errorf("expected ErrContractNotFound for unlisted strike, got %v", err)
	}

	req = env.callBuy(2)
	req.Ticker = "ZZZZ"
	if _, err := env.svc.Buy(ctx, req); !errors.Is(err, trade.ErrContractNotFound) {
		t.Errorf("expected ErrContractNotFound for missing chain, got %v", err)
	}
}

func TestBuy_MarketDataUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.chains.err = fmt.Errorf("%w: connection refused", marketdata.ErrUnavailable)

	_, err := env.svc.Buy(context.Background(), env.callBuy(2))
	if !errors.Is(err, trade.ErrMarketDataUnavailable) {
		t.Fatalf("expected ErrMarketDataUnavailable, got %v", err)
	}
	if got := env.cash(t); !got.Equal(d(10000)) {
		t.Errorf("cash must be unchanged, got %s", got)
	}
}

func TestBuy_DriftBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		requested float64
		reference float64
		wantDrift bool
	}{
		{"exactly 30% above", 2.6, 2.0, false},
		{"just over 30% above", 2.61, 2.0, true},
		{"30% below", 1.4, 2.0, false},
		{"far below", 1.0, 2.0, true},
		{"reference at floor skips check", 5.0, 0.10, false},
		{"reference just above floor", 5.0, 0.11, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := trade.CheckDrift(d(tt.requested), d(tt.reference))
			if got := errors.Is(err, trade.ErrPriceDriftExceeded); got != tt.wantDrift {
				t.Errorf("CheckDrift(%v, %v) drift=%v, want %v", tt.requested, tt.reference, got, tt.wantDrift)
			}
		})
	}
}

func TestBuy_LowReferenceSkipsDrift(t *testing.T) {
	env := newTestEnv(t)

	req := env.callBuy(1.00)
	req.Strike = dp(200) // last price 0.05
	if _, err := env.svc.Buy(context.Background(), req); err != nil {
		t.Errorf("reference below floor should skip drift check: %v", err)
	}
}

func TestBuy_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	req := env.callBuy(2)
	req.AccountID = 999
	if _, err := env.svc.Buy(context.Background(), req); !errors.Is(err, trade.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSell_FallsBackToEntryPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, _ := env.svc.Buy(ctx, env.callBuy(2))

	sold, err := env.svc.Sell(ctx, trade.SellRequest{PositionID: res.Position.ID, AccountID: env.acct.ID})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sold.Price.Equal(d(2)) || !sold.TotalCredit.Equal(d(200)) {
		t.Errorf("expected entry-price close at 2 (credit 200), got %s / %s", sold.Price, sold.TotalCredit)
	}
	if got := env.cash(t); !got.Equal(d(10000)) {
		t.Errorf("expected cash back to 10000, got %s", got)
	}
}

func TestSell_NegativePriceRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, _ := env.svc.Buy(ctx, env.callBuy(2))

	_, err := env.svc.Sell(ctx, trade.SellRequest{
		PositionID:   res.Position.ID,
		AccountID:    env.acct.ID,
		CurrentPrice: dp(-1),
	})
	if !errors.Is(err, trade.ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestSell_OtherAccountsPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, _ := env.svc.Buy(ctx, env.callBuy(2))
	other, _ := env.store.CreateAccount(ctx, "Trader2")

	_, err := env.svc.Sell(ctx, trade.SellRequest{PositionID: res.Position.ID, AccountID: other.ID, CurrentPrice: dp(3)})
	if !errors.Is(err, trade.ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
	positions, _ := env.store.ListPositions(ctx, env.acct.ID)
	if len(positions) != 1 {
		t.Errorf("owner's position must survive, got %d", len(positions))
	}
	otherAcct, _ := env.store.GetAccount(ctx, other.ID)
	if !otherAcct.CashBalance.Equal(d(10000)) {
		t.Errorf("other account must not be credited, got %s", otherAcct.CashBalance)
	}
}

func TestSell_PriceCheckEnabled(t *testing.T) {
	env := newTestEnv(t, trade.WithSellPriceCheck(true))
	ctx := context.Background()
	res, _ := env.svc.Buy(ctx, env.callBuy(2))

	_, err := env.svc.Sell(ctx, trade.SellRequest{PositionID: res.Position.ID, AccountID: env.acct.ID, CurrentPrice: dp(5)})
	if !errors.Is(err, trade.ErrPriceDriftExceeded) {
		t.Fatalf("expected drift rejection with sell check enabled, got %v", err)
	}

	if _, err := env.svc.Sell(ctx, trade.SellRequest{PositionID: res.Position.ID, AccountID: env.acct.ID, CurrentPrice: dp(2.10)}); err != nil {
		t.Errorf("price near market should pass: %v", err)
	}
}

func TestDeposit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acct, err := env.svc.Deposit(ctx, env.acct.ID, d(500))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !acct.CashBalance.Equal(d(10500)) || !acct.TotalDeposited.Equal(d(10500)) {
		t.Errorf("expected cash and deposited 10500, got %s / %s", acct.CashBalance, acct.TotalDeposited)
	}
	entries, _ := env.store.ListLedger(ctx, env.acct.ID)
	if len(entries) != 1 || entries[0].Kind != model.KindDeposit || !entries[0].Amount.Equal(d(500)) {
		t.Errorf("expected one deposit row of 500, got %+v", entries)
	}

	if _, err := env.svc.Deposit(ctx, env.acct.ID, decimal.Zero); !errors.Is(err, trade.ErrInvalidOrder) {
		t.Errorf("zero deposit: expected ErrInvalidOrder, got %v", err)
	}
	if _, err := env.svc.Deposit(ctx, 999, d(1)); !errors.Is(err, trade.ErrAccountNotFound) {
		t.Errorf("unknown account: expected ErrAccountNotFound, got %v", err)
	}
}

func TestReset_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.Buy(ctx, env.callBuy(2))
	env.svc.Deposit(ctx, env.acct.ID, d(250))

	for i := 0; i < 2; i++ {
		acct, err := env.svc.Reset(ctx, env.acct.ID)
		if err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
		if !acct.CashBalance.Equal(d(10000)) || !acct.TotalDeposited.Equal(d(10000)) {
			t.Errorf("reset %d: expected 10000/10000, got %s / %s", i, acct.CashBalance, acct.TotalDeposited)
		}
		positions, _ := env.store.ListPositions(ctx, env.acct.ID)
		if len(positions) != 0 {
			t.Errorf("reset %d: expected no positions, got %d", i, len(positions))
		}
	}

	kinds := env.ledgerKinds(t)
	want := []string{model.KindBuy, model.KindDeposit, model.KindReset, model.KindReset}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("expected ledger %v, got %v", want, kinds)
	}
}

func TestObservers_NotifiedAfterCommitOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.svc.Buy(ctx, env.callBuy(2))
	env.svc.Buy(ctx, env.callBuy(9)) // drift, rejected
	env.svc.Deposit(ctx, env.acct.ID, d(10))

	kinds := env.obs.kinds()
	if fmt.Sprint(kinds) != fmt.Sprint([]string{model.KindBuy, model.KindDeposit}) {
		t.Errorf("expected [buy deposit] notifications, got %v", kinds)
	}
	ev := env.obs.events[0]
	if ev.AccountID != env.acct.ID || ev.PositionID == "" || !ev.CashBalance.Equal(d(9800)) {
		t.Errorf("unexpected buy event: %+v", ev)
	}
}

func TestObservers_FailureDoesNotFailTrade(t *testing.T) {
	failing := trade.ObserverFunc(func(context.Context, model.LedgerEvent) error {
		return errors.New("tracker offline")
	})
	env := newTestEnv(t, trade.WithObservers(failing))

	if _, err := env.svc.Buy(context.Background(), env.callBuy(2)); err != nil {
		t.Fatalf("observer failure must not surface: %v", err)
	}
	if got := env.cash(t); !got.Equal(d(9800)) {
		t.Errorf("expected committed buy, cash %s", got)
	}
}

// concurrentStockBuys fires 20 buys of 1000 against a fresh 10000 account
// on st and checks that exactly 10 commit.
func concurrentStockBuys(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	acct, err := st.CreateAccount(ctx, "Trader1")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	svc := trade.NewService(st, &fakeChains{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	var unexpected []error
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Buy(ctx, trade.BuyRequest{
				AccountID:  acct.ID,
				Ticker:     "AAPL",
				Type:       model.TypeStock,
				EntryPrice: d(100),
				Quantity:   d(10),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, trade.ErrInsufficientFunds):
				unexpected = append(unexpected, err)
			}
		}()
	}
	wg.Wait()

	if len(unexpected) > 0 {
		t.Fatalf("unexpected errors: %v", unexpected)
	}
	if succeeded != 10 {
		t.Errorf("expected 10 successful buys, got %d", succeeded)
	}
	got, err := st.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !got.CashBalance.IsZero() {
		t.Errorf("expected cash 0, got %s", got.CashBalance)
	}
	positions, _ := st.ListPositions(ctx, acct.ID)
	if len(positions) != 10 {
		t.Errorf("expected 10 positions, got %d", len(positions))
	}
	entries, _ := st.ListLedger(ctx, acct.ID)
	if len(entries) != 10 {
		t.Errorf("expected 10 ledger entries, got %d", len(entries))
	}
}

func TestBuy_ConcurrentBuysNeverOverdraw(t *testing.T) {
	concurrentStockBuys(t, store.NewMemoryStore())
}

func TestBuy_ConcurrentBuysNeverOverdrawSQLite(t *testing.T) {
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "trade.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer st.Close()
	concurrentStockBuys(t, st)
}
