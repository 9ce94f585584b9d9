package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli"

	"github.com/thanhnp/ledger-core/internal/api"
	"github.com/thanhnp/ledger-core/internal/chain"
	"github.com/thanhnp/ledger-core/internal/config"
	"github.com/thanhnp/ledger-core/internal/mempool"
	"github.com/thanhnp/ledger-core/internal/metrics"
	"github.com/thanhnp/ledger-core/internal/node"
	"github.com/thanhnp/ledger-core/internal/notifier"
	"github.com/thanhnp/ledger-core/internal/proof"
	"github.com/thanhnp/ledger-core/internal/storage"
	"github.com/thanhnp/ledger-core/internal/sync"
	"github.com/thanhnp/ledger-core/internal/validation"
)

func main() {
	app := cli.NewApp()
	app.Name = "ledger-node"
	app.Usage = "run the ledger consensus and state core"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config",
			Value:  "config.yaml",
			Usage:  "path to the configuration file",
			EnvVar: "LEDGER_CONFIG",
		},
		cli.StringFlag{
			Name:  "loglevel",
			Usage: "override log.level from the configuration",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "[ledger-node] %v\n", err)
		if logRotator != nil {
			logRotator.Close()
		}
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if level := ctx.String("loglevel"); level != "" {
		cfg.Log.Level = level
	}

	if cfg.Log.Dir != "" {
		logFile := filepath.Join(cfg.Log.Dir, "ledger.log")
		if err := initLogRotator(logFile, cfg.Log.MaxSizeKB, cfg.Log.MaxRolls); err != nil {
			return err
		}
		defer logRotator.Close()
	}
	if err := setLogLevels(cfg.Log.Level); err != nil {
		return err
	}

	params, err := cfg.Params()
	if err != nil {
		return err
	}
	mainLog.Infof("Consensus kinds enabled: %v", params.Kinds())

	mainLog.Infof("Opening store at %s", cfg.Pebble.Path)
	db, err := storage.NewPebbleDB(cfg.Pebble.Path, cfg.Pebble.Options())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	stores := storage.NewChainStores(db)
	defer func() {
		if err := stores.Close(); err != nil {
			mainLog.Errorf("Error closing store: %v", err)
		}
	}()

	fatal := func(err error) {
		mainLog.Criticalf("Shutting down on fatal error: %v", err)
		if logRotator != nil {
			logRotator.Close()
		}
		os.Exit(1)
	}

	sigs := validation.NewSigVerifier(cfg.Mempool.SigCacheSize, cfg.Mempool.Epoch, cfg.Workers)
	validator := validation.New(validation.Config{Params: params, Sigs: sigs})

	c, err := chain.New(chain.Config{
		Params:    params,
		Stores:    stores,
		Validator: validator,
		Proofs:    proof.New(params, sigs),
	})
	if err != nil {
		return fmt.Errorf("failed to open chain: %w", err)
	}

	pool := mempool.New(mempool.Config{
		Params:      params,
		Validator:   validator,
		BlockBudget: cfg.Mempool.BlockBudget,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	n := node.New(node.Config{
		Chain:        c,
		Mempool:      pool,
		Notifier:     notifier.NewServer(0),
		Stores:       stores,
		Metrics:      metrics.New(reg),
		FatalHandler: fatal,
	})
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Stop()

	syncer := sync.NewSyncer(sync.Config{
		Backend:      n,
		Stores:       stores,
		FlushTicker:  ticker.New(cfg.Chain.FlushInterval),
		FatalHandler: fatal,
	})
	if err := syncer.Start(); err != nil {
		return fmt.Errorf("failed to start syncer: %w", err)
	}
	defer syncer.Stop()

	router := api.NewRouter(n, reg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		mainLog.Infof("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	tip, height := n.BestBlock()
	mainLog.Infof("Node started at tip %v (height %d)", tip.Hash(), height)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		mainLog.Errorf("HTTP server error: %v", err)
	}

	mainLog.Info("Shutting down...")

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLog.Errorf("HTTP server shutdown error: %v", err)
	}

	mainLog.Info("Node stopped")
	return nil
}
