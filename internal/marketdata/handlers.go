package marketdata

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/optionquest/trading-core/internal/contract"
	"github.com/optionquest/trading-core/internal/model"
	"github.com/optionquest/trading-core/internal/pricing"
	"github.com/optionquest/trading-core/internal/respond"
)

// Handler serves cached market data over HTTP.
type Handler struct {
	cache *Cache
}

// NewHandler creates market data HTTP handlers backed by cache.
func NewHandler(cache *Cache) *Handler {
	return &Handler{cache: cache}
}

// TheoreticalContract is a chain row with its Black-Scholes price.
type TheoreticalContract struct {
	model.OptionContract
	Type             string          `json:"type"`
	TheoreticalPrice decimal.Decimal `json:"theoreticalPrice"`
}

// TheoreticalChain is the response of GET /options/{symbol}/theoretical.
type TheoreticalChain struct {
	Symbol      string                `json:"underlyingSymbol"`
	Spot        decimal.Decimal       `json:"spot"`
	Expiration  time.Time             `json:"expirationDate"`
	DaysForward float64               `json:"daysForward"`
	Calls       []TheoreticalContract `json:"calls"`
	Puts        []TheoreticalContract `json:"puts"`
}

// GetQuote handles GET /quote/{symbol}
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	q, err := h.cache.GetQuote(r.Context(), symbol)
	if err != nil {
		writeLookupError(w, err, "Stock not found")
		return
	}
	respond.JSON(w, http.StatusOK, q)
}

// GetOptions handles GET /options/{symbol}?date=YYYY-MM-DD
func (h *Handler) GetOptions(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	expiry, ok := expiryParam(w, r)
	if !ok {
		return
	}

	chain, err := h.cache.GetOptionChain(r.Context(), symbol, expiry)
	if err != nil {
		writeLookupError(w, err, "Options not found")
		return
	}
	respond.JSON(w, http.StatusOK, chain)
}

// GetTheoretical handles GET /options/{symbol}/theoretical?date=&daysForward=
// Prices every contract in the chain with Black-Scholes, optionally
// simulating daysForward of time decay.
func (h *Handler) GetTheoretical(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	ctx := r.Context()

	expiry, ok := expiryParam(w, r)
	if !ok {
		return
	}
	daysForward, err := DaysForwardParam(r)
	if err != nil {
		respond.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	quote, err := h.cache.GetQuote(ctx, symbol)
	if err != nil {
		writeLookupError(w, err, "Stock not found")
		return
	}
	chain, err := h.cache.GetOptionChain(ctx, symbol, expiry)
	if err != nil {
		writeLookupError(w, err, "Options not found")
		return
	}

	now := h.cache.Now()
	price := func(kind string, contracts []model.OptionContract) []TheoreticalContract {
		out := make([]TheoreticalContract, 0, len(contracts))
		for _, c := range contracts {
			exp := c.Expiration
			if exp.IsZero() {
				exp = chain.Expiration
			}
			out = append(out, TheoreticalContract{
				OptionContract: c,
				Type:           kind,
				TheoreticalPrice: pricing.TheoreticalPrice(pricing.Input{
					Spot:              quote.Price,
					Strike:            c.Strike,
					Expiry:            exp,
					ImpliedVolatility: c.ImpliedVolatility,
					Kind:              kind,
					DaysForward:       daysForward,
				}, now),
			})
		}
		return out
	}

	respond.JSON(w, http.StatusOK, TheoreticalChain{
		Symbol:      chain.Symbol,
		Spot:        quote.Price,
		Expiration:  chain.Expiration,
		DaysForward: daysForward,
		Calls:       price(model.TypeCall, chain.Calls),
		Puts:        price(model.TypePut, chain.Puts),
	})
}

// DaysForwardParam parses the optional daysForward query parameter.
func DaysForwardParam(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("daysForward")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, errors.New("daysForward must be a non-negative number")
	}
	return v, nil
}

func expiryParam(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return nil, true
	}
	t, err := contract.ParseExpiry(raw)
	if err != nil {
		respond.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &t, true
}

func writeLookupError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, ErrNotFound) {
		respond.Error(w, notFound, http.StatusNotFound)
		return
	}
	slog.Error("market data lookup failed", "err", err)
	respond.Error(w, err.Error(), http.StatusInternalServerError)
}
