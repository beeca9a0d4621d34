package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli"

	"github.com/optionquest/trading-core/internal/app"
	"github.com/optionquest/trading-core/internal/contract"
	"github.com/optionquest/trading-core/internal/marketdata"
	"github.com/optionquest/trading-core/internal/model"
	"github.com/optionquest/trading-core/internal/pricing"
	"github.com/optionquest/trading-core/internal/store"
)

var userFlag = cli.Int64Flag{
	Name:  "user, u",
	Usage: "account id",
	Value: 1,
}

var (
	serveCMD = cli.Command{
		Name:        "serve",
		Usage:       "run the HTTP API",
		Action:      serveAction,
		Description: `Serve the trading API, WebSocket feed and metrics until interrupted`,
	}
	quoteCMD = cli.Command{
		Name:        "quote",
		Usage:       "print the latest quote for a symbol",
		ArgsUsage:   "SYMBOL",
		Action:      quoteAction,
		Description: `Fetch a stock quote from the configured market data provider`,
	}
	chainCMD = cli.Command{
		Name:      "chain",
		Usage:     "print an option chain",
		ArgsUsage: "SYMBOL",
		Action:    chainAction,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "date, d", Usage: "expiration date (YYYY-MM-DD), nearest when empty"},
		},
		Description: `Fetch an option chain from the configured market data provider`,
	}
	priceCMD = cli.Command{
		Name:   "price",
		Usage:  "compute a Black-Scholes theoretical price",
		Action: priceAction,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "type", Usage: "call or put", Value: model.TypeCall},
			cli.StringFlag{Name: "spot", Usage: "underlying price"},
			cli.StringFlag{Name: "strike", Usage: "strike price"},
			cli.StringFlag{Name: "expiry", Usage: "expiration date (YYYY-MM-DD)"},
			cli.Float64Flag{Name: "iv", Usage: "implied volatility, default when zero"},
			cli.Float64Flag{Name: "days-forward", Usage: "days of time decay to simulate"},
		},
		Description: `Price an option offline without market data`,
	}
	depositCMD = cli.Command{
		Name:   "deposit",
		Usage:  "add virtual cash to an account",
		Action: depositAction,
		Flags: []cli.Flag{
			userFlag,
			cli.StringFlag{Name: "amount, a", Usage: "amount to deposit"},
		},
		Description: `Deposit cash into an account and record a ledger entry`,
	}
	resetCMD = cli.Command{
		Name:        "reset",
		Usage:       "reset an account to the starting balance",
		Action:      resetAction,
		Flags:       []cli.Flag{userFlag},
		Description: `Close every position and restore the starting balance`,
	}
	exportLedgerCMD = cli.Command{
		Name:   "export-ledger",
		Usage:  "write an account's ledger to a Parquet file",
		Action: exportLedgerAction,
		Flags: []cli.Flag{
			userFlag,
			cli.StringFlag{Name: "out, o", Usage: "output path", Value: "ledger.parquet"},
		},
		Description: `Export the ledger for offline analysis`,
	}
)

func serveAction(_ *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, loaded)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Start(ctx)
	return a.Serve(ctx)
}

func newCache() (*marketdata.Cache, error) {
	provider, err := app.NewProvider(loaded)
	if err != nil {
		return nil, err
	}
	return marketdata.NewCache(provider, marketdata.WithTTL(loaded.CacheTTL)), nil
}

func quoteAction(c *cli.Context) error {
	symbol := c.Args().First()
	if symbol == "" {
		return cli.NewExitError("quote: SYMBOL is required", 2)
	}
	cache, err := newCache()
	if err != nil {
		return err
	}
	q, err := cache.GetQuote(context.Background(), symbol)
	if err != nil {
		return err
	}
	return printJSON(q)
}

func chainAction(c *cli.Context) error {
	symbol := c.Args().First()
	if symbol == "" {
		return cli.NewExitError("chain: SYMBOL is required", 2)
	}
	var expiry *time.Time
	if raw := c.String("date"); raw != "" {
		t, err := contract.ParseExpiry(raw)
		if err != nil {
			return err
		}
		expiry = &t
	}
	cache, err := newCache()
	if err != nil {
		return err
	}
	chain, err := cache.GetOptionChain(context.Background(), symbol, expiry)
	if err != nil {
		return err
	}
	return printJSON(chain)
}

func priceAction(c *cli.Context) error {
	kind := c.String("type")
	if kind != model.TypeCall && kind != model.TypePut {
		return cli.NewExitError("price: --type must be call or put", 2)
	}
	spot, err := decimal.NewFromString(c.String("spot"))
	if err != nil {
		return fmt.Errorf("price: invalid --spot: %w", err)
	}
	strike, err := decimal.NewFromString(c.String("strike"))
	if err != nil {
		return fmt.Errorf("price: invalid --strike: %w", err)
	}
	expiry, err := contract.ParseExpiry(c.String("expiry"))
	if err != nil {
		return fmt.Errorf("price: invalid --expiry: %w", err)
	}

	price := pricing.TheoreticalPrice(pricing.Input{
		Spot:              spot,
		Strike:            strike,
		Expiry:            expiry,
		ImpliedVolatility: c.Float64("iv"),
		Kind:              kind,
		DaysForward:       c.Float64("days-forward"),
	}, time.Now())
	fmt.Println(price.String())
	return nil
}

func depositAction(c *cli.Context) error {
	amount, err := decimal.NewFromString(c.String("amount"))
	if err != nil {
		return fmt.Errorf("deposit: invalid --amount: %w", err)
	}
	ctx := context.Background()
	a, err := app.New(ctx, loaded)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := a.Trades.Deposit(ctx, c.Int64("user"), amount)
	if err != nil {
		return err
	}
	slog.Info("deposit recorded", "account", acct.ID, "amount", amount.String())
	return printJSON(acct)
}

func resetAction(c *cli.Context) error {
	ctx := context.Background()
	a, err := app.New(ctx, loaded)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, err := a.Trades.Reset(ctx, c.Int64("user"))
	if err != nil {
		return err
	}
	return printJSON(acct)
}

func exportLedgerAction(c *cli.Context) error {
	ctx := context.Background()
	st, err := app.OpenStore(ctx, loaded)
	if err != nil {
		return err
	}
	defer st.Close()

	id := c.Int64("user")
	if _, err := st.GetAccount(ctx, id); err != nil {
		return err
	}
	entries, err := st.ListLedger(ctx, id)
	if err != nil {
		return err
	}
	out := c.String("out")
	if err := store.ExportLedgerParquet(out, entries); err != nil {
		return err
	}
	slog.Info("ledger exported", "account", id, "entries", len(entries), "path", out)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
