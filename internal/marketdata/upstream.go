package marketdata

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/optionquest/trading-core/internal/model"
)

const (
	defaultUpstreamTimeout = 10 * time.Second
	defaultUpstreamRetries = 2
)

// HTTPProvider reads quotes and option chains from a JSON market-data
// gateway that serves the same shapes this service does:
//
//	GET {base}/quote/{symbol}
//	GET {base}/options/{symbol}?date=YYYY-MM-DD
type HTTPProvider struct {
	http *resty.Client
}

// NewHTTPProvider creates a provider against baseURL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultUpstreamTimeout).
		SetRetryCount(defaultUpstreamRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")
	return &HTTPProvider{http: client}
}

// newHTTPProviderWithClient is used by tests to inject a preconfigured client.
func newHTTPProviderWithClient(client *resty.Client) *HTTPProvider {
	return &HTTPProvider{http: client}
}

func (p *HTTPProvider) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	var q model.Quote
	resp, err := p.http.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetResult(&q).
		Get("/quote/{symbol}")
	if err := checkResponse(resp, err, "quote", symbol); err != nil {
		return nil, err
	}
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	return &q, nil
}

func (p *HTTPProvider) GetOptionChain(ctx context.Context, symbol string, expiry *time.Time) (*model.OptionChain, error) {
	var chain model.OptionChain
	req := p.http.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetResult(&chain)
	if expiry != nil {
		req.SetQueryParam("date", expiry.UTC().Format("2006-01-02"))
	}

	resp, err := req.Get("/options/{symbol}")
	if err := checkResponse(resp, err, "option chain", symbol); err != nil {
		return nil, err
	}
	if chain.Symbol == "" {
		chain.Symbol = symbol
	}
	return &chain, nil
}

func checkResponse(resp *resty.Response, err error, what, symbol string) error {
	if err != nil {
		return fmt.Errorf("upstream %s %s: %w", what, symbol, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("upstream %s %s: %w", what, symbol, ErrNotFound)
	}
	if resp.IsError() {
		return fmt.Errorf("upstream %s %s: status %d", what, symbol, resp.StatusCode())
	}
	return nil
}
