// Command execnoded runs the execution-layer node: the block store,
// mempool, fork-choice manager and startup engine reconciliation, wired
// from a single TOML configuration file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var configFileFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "TOML configuration file",
}

var dataDirFlag = &cli.StringFlag{
	Name:  "datadir",
	Usage: "Directory for the block store database (overrides the config file)",
}

func main() {
	app := &cli.App{
		Name:   "execnoded",
		Usage:  "the execution-layer node core command line interface",
		Flags:  []cli.Flag{configFileFlag, dataDirFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadNodeConfig(ctx *cli.Context) (execnodedConfig, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if dir := ctx.String(dataDirFlag.Name); dir != "" {
		cfg.Store.DataDir = dir
	}
	return cfg, nil
}

func run(cliCtx *cli.Context) error {
	cfg, err := loadNodeConfig(cliCtx)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	log.Info("execnoded: node started", "datadir", cfg.Store.DataDir)
	<-ctx.Done()
	log.Info("execnoded: shutting down")
	n.Stop()
	return nil
}
