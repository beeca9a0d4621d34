package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/optionquest/trading-core/internal/config"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "papertrade"
	app.Usage = "The paper trading core command line interface"
	app.Version = Version

	app.Commands = []cli.Command{
		serveCMD,
		quoteCMD,
		chainCMD,
		priceCMD,
		depositCMD,
		resetCMD,
		exportLedgerCMD,
	}

	app.Before = func(_ *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		slog.SetDefault(config.NewLogger(cfg.LogLevel))
		loaded = cfg
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loaded is the configuration read in app.Before.
var loaded *config.Config
