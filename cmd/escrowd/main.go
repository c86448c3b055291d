package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/journal"
	"escrowd/native/bank"
	"escrowd/native/escrow"
	"escrowd/native/reputation"
	"escrowd/observability/logging"
	"escrowd/observability/metrics"
	"escrowd/observability/otel"
	"escrowd/relay"
	"escrowd/rpc"
	"escrowd/state"
	"escrowd/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration failed", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger := logging.Setup("escrowd", os.Getenv("ESCROWD_ENV"), logging.Options{
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("creating data directory failed", "error", err, "dir", cfg.DataDir)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		logger.Error("opening state database failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	vault := escrow.ModuleVaultAddress()
	ledger := bank.NewTokenLedger(manager, vault)

	if strings.TrimSpace(cfg.GenesisFile) != "" {
		genesis, err := bank.LoadGenesis(cfg.GenesisFile)
		if err != nil {
			logger.Error("loading genesis allocations failed", "error", err)
			os.Exit(1)
		}
		if err := ledger.Seed(genesis); err != nil {
			logger.Error("seeding genesis allocations failed", "error", err)
			os.Exit(1)
		}
	}

	jl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Error("opening event journal failed", "error", err)
		os.Exit(1)
	}
	defer jl.Close()
	if broken, err := jl.Verify(); err != nil {
		logger.Error("verifying event journal failed", "error", err)
		os.Exit(1)
	} else if broken != 0 {
		logger.Error("event journal hash chain broken", "seq", broken)
		os.Exit(1)
	}

	relayStore, err := relay.NewStore(cfg.RelayStorePath, nil)
	if err != nil {
		logger.Error("opening relay store failed", "error", err)
		os.Exit(1)
	}
	defer relayStore.Close()

	queueOpts := []relay.QueueOption{}
	if cfg.RelayQueueSize > 0 {
		queueOpts = append(queueOpts, relay.WithQueueCapacity(cfg.RelayQueueSize))
	}
	if cfg.RelayQueueTTLSecs > 0 {
		queueOpts = append(queueOpts, relay.WithQueueTTL(time.Duration(cfg.RelayQueueTTLSecs)*time.Second))
	}
	webhooks := relay.New(relayStore, relay.NewQueue(queueOpts...))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go webhooks.Run(ctx)

	if strings.TrimSpace(cfg.OTLPEndpoint) != "" {
		shutdownMeter, err := otel.Init(ctx, otel.Config{
			ServiceName: "escrowd",
			Environment: os.Getenv("ESCROWD_ENV"),
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
		})
		if err != nil {
			logger.Error("initialising metric export failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownMeter(flushCtx); err != nil {
				logger.Error("flushing metric export failed", "error", err)
			}
		}()
	}

	admin, err := cfg.Admin()
	if err != nil {
		logger.Error("decoding admin address failed", "error", err)
		os.Exit(1)
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetReputation(reputation.NewLedger(manager))
	engine.SetVault(vault)
	engine.SetAdmin(admin)
	engine.SetEmitter(events.NewMultiEmitter(jl, webhooks, metrics.NewRecorder()))
	if cfg.Batch != (config.BatchConfig{}) {
		engine.SetCostModel(escrow.CostModel{
			PerItemBaseline: cfg.Batch.PerItemBaseline,
			BatchBase:       cfg.Batch.BatchBase,
			PerItemBatch:    cfg.Batch.PerItemBatch,
		})
	}

	token := strings.TrimSpace(cfg.RPCToken)
	if env := strings.TrimSpace(os.Getenv("ESCROWD_RPC_TOKEN")); env != "" {
		token = env
	}
	serverOpts := []rpc.ServerOption{rpc.WithAuthToken(token)}
	if cfg.RateLimitPerSecond > 0 && cfg.RateLimitBurst > 0 {
		serverOpts = append(serverOpts, rpc.WithRateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))
	}
	server := rpc.NewServer(engine, jl, serverOpts...)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("escrow coordinator listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
