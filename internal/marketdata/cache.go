// Package marketdata caches quotes and option chains from an upstream
// provider behind a freshness window, and exposes them over HTTP.
//
// Concurrent misses for the same key are not coalesced: two requests that
// both find a stale entry will both call the provider. Payloads are
// idempotent, so the duplicate work is accepted rather than serialized.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/optionquest/trading-core/internal/metrics"
	"github.com/optionquest/trading-core/internal/model"
)

// DefaultTTL is the freshness window for cached market data.
const DefaultTTL = 60 * time.Second

var (
	// ErrNotFound is returned when the provider has no data for the symbol.
	ErrNotFound = errors.New("marketdata: not found")

	// ErrUnavailable is returned when the provider call fails.
	ErrUnavailable = errors.New("marketdata: provider unavailable")
)

// Provider is the upstream market-data source. Implementations return an
// error wrapping ErrNotFound when the symbol or chain does not exist.
type Provider interface {
	GetQuote(ctx context.Context, symbol string) (*model.Quote, error)

	// GetOptionChain returns the chain for expiry, or the nearest expiry when nil.
	GetOptionChain(ctx context.Context, symbol string, expiry *time.Time) (*model.OptionChain, error)
}

// Entry is one cached payload.
type Entry struct {
	Quote     *model.Quote       `json:"quote,omitempty"`
	Chain     *model.OptionChain `json:"chain,omitempty"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// Backend stores cache entries. Get returns nil, nil on a miss.
// Freshness is decided by the Cache, not the backend.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
}

// Cache is a read-through market-data cache. Returned payloads are shared
// and must not be mutated by callers.
type Cache struct {
	provider Provider
	backend  Backend
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source used for freshness checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithBackend replaces the default in-memory backend.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// NewCache creates a cache in front of provider.
func NewCache(provider Provider, opts ...Option) *Cache {
	c := &Cache{
		provider: provider,
		backend:  NewMemoryBackend(),
		ttl:      DefaultTTL,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Now returns the cache's current time.
func (c *Cache) Now() time.Time {
	return c.now()
}

// GetQuote returns a fresh quote for symbol, calling the provider on a miss.
func (c *Cache) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	symbol = NormalizeSymbol(symbol)
	key := quoteKey(symbol)

	if e := c.lookup(ctx, "quote", key); e != nil && e.Quote != nil {
		return e.Quote, nil
	}

	start := time.Now()
	q, err := c.provider.GetQuote(ctx, symbol)
	metrics.ObserveProvider("quote", start, err)
	if err != nil {
		return nil, classify("quote", symbol, err)
	}
	if q == nil {
		return nil, fmt.Errorf("%w: quote %s", ErrNotFound, symbol)
	}

	c.put(ctx, key, &Entry{Quote: q, FetchedAt: c.now()})
	return q, nil
}

// GetOptionChain returns a fresh chain for symbol and expiry (nearest
// expiry when nil), calling the provider on a miss.
func (c *Cache) GetOptionChain(ctx context.Context, symbol string, expiry *time.Time) (*model.OptionChain, error) {
	symbol = NormalizeSymbol(symbol)
	key := chainKey(symbol, expiry)

	if e := c.lookup(ctx, "chain", key); e != nil && e.Chain != nil {
		return e.Chain, nil
	}

	start := time.Now()
	chain, err := c.provider.GetOptionChain(ctx, symbol, expiry)
	metrics.ObserveProvider("chain", start, err)
	if err != nil {
		return nil, classify("option chain", symbol, err)
	}
	if chain == nil || (len(chain.Calls) == 0 && len(chain.Puts) == 0) {
		return nil, fmt.Errorf("%w: option chain %s", ErrNotFound, symbol)
	}

	c.put(ctx, key, &Entry{Chain: chain, FetchedAt: c.now()})
	return chain, nil
}

// lookup returns a fresh entry or nil. Backend failures count as a miss.
func (c *Cache) lookup(ctx context.Context, kind, key string) *Entry {
	e, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn("market data cache read failed", "key", key, "err", err)
	}
	if err == nil && e != nil && c.now().Sub(e.FetchedAt) < c.ttl {
		metrics.CacheRequests.WithLabelValues(kind, "hit").Inc()
		return e
	}
	metrics.CacheRequests.WithLabelValues(kind, "miss").Inc()
	return nil
}

func (c *Cache) put(ctx context.Context, key string, e *Entry) {
	if err := c.backend.Set(ctx, key, e, c.ttl); err != nil {
		c.log.Warn("market data cache write failed", "key", key, "err", err)
	}
}

// classify maps a provider error onto ErrNotFound or ErrUnavailable.
func classify(what, symbol string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s %s: %w", what, symbol, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, what, symbol, err)
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func quoteKey(symbol string) string { return "quote:" + symbol }

func chainKey(symbol string, expiry *time.Time) string {
	if expiry == nil {
		return "chain:" + symbol
	}
	return "chain:" + symbol + ":" + expiry.UTC().Format("2006-01-02")
}
