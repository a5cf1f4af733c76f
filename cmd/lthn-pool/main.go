// LTHN Pool - share accounting and settlement core
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lthn-network/lthn-pool/internal/api"
	"github.com/lthn-network/lthn-pool/internal/coin"
	"github.com/lthn-network/lthn-pool/internal/config"
	"github.com/lthn-network/lthn-pool/internal/ledger"
	"github.com/lthn-network/lthn-pool/internal/newrelic"
	"github.com/lthn-network/lthn-pool/internal/notify"
	"github.com/lthn-network/lthn-pool/internal/payout"
	"github.com/lthn-network/lthn-pool/internal/profiling"
	"github.com/lthn-network/lthn-pool/internal/rpc"
	"github.com/lthn-network/lthn-pool/internal/scanner"
	"github.com/lthn-network/lthn-pool/internal/sharelog"
	"github.com/lthn-network/lthn-pool/internal/storage"
	"github.com/lthn-network/lthn-pool/internal/util"
	"github.com/lthn-network/lthn-pool/internal/worker"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("LTHN Pool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("LTHN Pool v%s starting", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coinImpl, err := coin.Resolve(cfg.Coin)
	if err != nil {
		util.Fatalf("Failed to resolve coin: %v", err)
	}
	rt, err := coin.NewRuntime()
	if err != nil {
		util.Fatalf("Failed to initialize coin runtime: %v", err)
	}
	util.Infof("Coin %s ready, work unit instance id %x", coinImpl.Name(), rt.InstanceID)

	agent := newrelic.NewAgent(cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}
	defer agent.Stop()

	prof := profiling.NewServer(cfg.Profiling)
	if err := prof.Start(); err != nil {
		util.Warnf("Failed to start profiling server: %v", err)
	}
	defer prof.Stop()

	cache, err := storage.NewCache(ctx, cfg.Redis)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer cache.Close()

	store, err := ledger.Open(ctx, cfg.DB.DSN)
	if err != nil {
		util.Fatalf("Failed to open ledger: %v", err)
	}
	defer store.Close()

	shares, err := sharelog.Open(cfg.ShareLog.Path)
	if err != nil {
		util.Fatalf("Failed to open share log: %v", err)
	}
	defer shares.Close()

	daemon := rpc.NewDaemonClient(cfg.Daemon.URL, cfg.Daemon.Timeout)
	wallet := rpc.NewWalletClient(cfg.Wallet.URL, cfg.Wallet.Timeout, cfg.Wallet.Username, cfg.Wallet.Password)
	notifier := notify.NewNotifier(cfg.Notify, cfg.Pool.Name)

	scan := scanner.New(cfg, daemon, shares, cache, store, notifier)

	telemetry := worker.New(cfg, scan, daemon, wallet, store, cache, notifier)
	telemetry.SetMetricsRecorder(agent)
	telemetry.Start()

	var settlement *payout.Processor
	if cfg.Payout.Enabled {
		settlement = payout.New(cfg, wallet, store, cache, notifier, coinImpl)
		settlement.SetMetricsRecorder(agent)
		settlement.Start(ctx)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, cache, coinImpl, agent)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool core started. Press Ctrl+C to stop.")
	<-sigChan
	util.Info("Shutting down...")

	cancel()
	if apiServer != nil {
		apiServer.Stop()
	}
	if settlement != nil {
		settlement.Stop()
	}
	telemetry.Stop()

	// give async notifications a moment to flush
	time.Sleep(250 * time.Millisecond)
	util.Info("Pool stopped")
	util.Sync()
}
