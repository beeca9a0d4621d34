package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/contract"
	"github.com/optionquest/trading-core/internal/model"
)

// alpacaClient is the subset of the Alpaca market-data client used here.
type alpacaClient interface {
	GetLatestTrade(symbol string, req alpacamd.GetLatestTradeRequest) (*alpacamd.Trade, error)
	GetOptionChain(underlyingSymbol string, req alpacamd.GetOptionChainRequest) (map[string]alpacamd.OptionSnapshot, error)
}

// AlpacaProvider sources stock quotes and option chains from the Alpaca
// market-data API. The chain endpoint returns every expiration at once, so
// the provider groups snapshots by the expiry encoded in each OCC symbol.
type AlpacaProvider struct {
	client alpacaClient
	now    func() time.Time
	log    *slog.Logger
}

// NewAlpacaProvider creates a provider with the given credentials. dataURL
// may be empty to use Alpaca's default endpoint.
func NewAlpacaProvider(apiKey, apiSecret, dataURL string) *AlpacaProvider {
	opts := alpacamd.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return newAlpacaProvider(alpacamd.NewClient(opts), time.Now)
}

func newAlpacaProvider(client alpacaClient, now func() time.Time) *AlpacaProvider {
	return &AlpacaProvider{
		client: client,
		now:    now,
		log:    slog.Default().With("provider", "alpaca"),
	}
}

func (p *AlpacaProvider) GetQuote(_ context.Context, symbol string) (*model.Quote, error) {
	trade, err := p.client.GetLatestTrade(symbol, alpacamd.GetLatestTradeRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca latest trade %s: %w", symbol, classifyAPIError(err))
	}
	if trade == nil {
		return nil, fmt.Errorf("alpaca latest trade %s: %w", symbol, ErrNotFound)
	}
	return &model.Quote{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(trade.Price),
		Timestamp: trade.Timestamp,
	}, nil
}

func (p *AlpacaProvider) GetOptionChain(ctx context.Context, symbol string, expiry *time.Time) (*model.OptionChain, error) {
	snapshots, err := p.client.GetOptionChain(symbol, alpacamd.GetOptionChainRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca option chain %s: %w", symbol, classifyAPIError(err))
	}

	byExpiry := make(map[time.Time][]model.OptionContract)
	kinds := make(map[string]string)
	for occ, snap := range snapshots {
		c, err := contract.ParseOCC(occ)
		if err != nil {
			p.log.Debug("skipping unparseable contract", "symbol", occ, "err", err)
			continue
		}
		byExpiry[c.Expiration] = append(byExpiry[c.Expiration], toContract(c, snap))
		kinds[occ] = c.Type
	}
	if len(byExpiry) == 0 {
		return nil, fmt.Errorf("alpaca option chain %s: %w", symbol, ErrNotFound)
	}

	dates := make([]time.Time, 0, len(byExpiry))
	for d := range byExpiry {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	selected, ok := selectExpiry(dates, expiry, p.now())
	if !ok {
		return nil, fmt.Errorf("alpaca option chain %s expiring %s: %w",
			symbol, expiry.Format("2006-01-02"), ErrNotFound)
	}

	chain := &model.OptionChain{
		Symbol:          symbol,
		Expiration:      selected,
		ExpirationDates: dates,
	}
	contracts := byExpiry[selected]
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].Strike.LessThan(contracts[j].Strike) })
	for _, oc := range contracts {
		if kinds[oc.Symbol] == model.TypePut {
			chain.Puts = append(chain.Puts, oc)
		} else {
			chain.Calls = append(chain.Calls, oc)
		}
	}

	if q, err := p.GetQuote(ctx, symbol); err == nil {
		chain.UnderlyingPrice = q.Price
	}
	return chain, nil
}

// selectExpiry picks the requested date, or the nearest one not yet passed.
func selectExpiry(dates []time.Time, want *time.Time, now time.Time) (time.Time, bool) {
	if want != nil {
		day := want.UTC().Format("2006-01-02")
		for _, d := range dates {
			if d.Format("2006-01-02") == day {
				return d, true
			}
		}
		return time.Time{}, false
	}
	today := now.UTC().Truncate(24 * time.Hour)
	for _, d := range dates {
		if !d.Before(today) {
			return d, true
		}
	}
	return dates[len(dates)-1], true
}

func toContract(c *contract.Contract, snap alpacamd.OptionSnapshot) model.OptionContract {
	oc := model.OptionContract{
		Symbol:            c.Symbol,
		Strike:            c.Strike,
		Expiration:        c.Expiration,
		ImpliedVolatility: snap.ImpliedVolatility,
	}
	if snap.LatestQuote != nil {
		oc.Bid = decimal.NewFromFloat(snap.LatestQuote.BidPrice)
		oc.Ask = decimal.NewFromFloat(snap.LatestQuote.AskPrice)
	}
	switch {
	case snap.LatestTrade != nil:
		oc.LastPrice = decimal.NewFromFloat(snap.LatestTrade.Price)
	case snap.LatestQuote != nil:
		oc.LastPrice = oc.Bid.Add(oc.Ask).Div(decimal.NewFromInt(2))
	}
	return oc
}

// classifyAPIError maps client errors about the request itself (an invalid
// or unknown symbol) to ErrNotFound. Auth failures, rate limiting and server
// errors are returned as is.
func classifyAPIError(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return err
	}
	if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
	}
	return err
}
