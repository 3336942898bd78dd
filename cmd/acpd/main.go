package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"acpcore/adapters/solana"
	"acpcore/config"
	"acpcore/core/events"
	"acpcore/native/agreement"
	"acpcore/native/discovery"
	"acpcore/native/escrow"
	"acpcore/native/escrow/oracles"
	"acpcore/native/prediction"
	"acpcore/native/registry"
	"acpcore/native/vault"
	"acpcore/observability/logging"
	"acpcore/observability/metrics"
	"acpcore/observability/otel"
	"acpcore/orchestration"
	"acpcore/rpc"
	"acpcore/storage"
)

const escrowSweepInterval = time.Minute

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("acpd", cfg.Environment, logging.Options{FilePath: cfg.LogFile})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "acpd",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.Environment == "local",
		})
		if err != nil {
			logger.Error("Failed to initialise tracing", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		panic(fmt.Sprintf("Failed to prepare data directory: %v", err))
	}
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer store.Close()

	acpMetrics := metrics.ACP()
	emitter := events.FuncEmitter(func(evt events.Event) {
		switch e := evt.(type) {
		case events.EscrowTransition:
			acpMetrics.ObserveEscrowTransition(e.Status)
		case events.TaskTransition:
			acpMetrics.ObserveTaskTransition(e.EventType())
		}
	})

	// Commerce plane.
	reg := registry.NewEngine(store)
	reg.SetEmitter(emitter)
	agreements := agreement.NewStore(store)
	agreements.SetEmitter(emitter)

	catalogue, err := oracles.LoadCatalogue(cfg.OracleFeedsPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load oracle catalogue: %v", err))
	}
	router := oracles.NewRouter(catalogue, acpMetrics.ObserveOracleFetch)
	chain := solana.New(cfg.SolanaRPCURL)
	router.Register("pyth", oracles.NewPythSource(chain), 5)
	router.Register("switchboard", oracles.NewSwitchboardSource(chain), 5)
	router.Register("http", oracles.NewHTTPSource(nil), 2)

	keyVault := vault.New(store, config.VaultSecret)
	escrows := escrow.NewEngine(store, chain, keyVault, escrow.NewEvaluator(router))
	escrows.SetEmitter(emitter)

	disc := discovery.NewEngine(reg, agreements)
	ledger := prediction.NewLedger(store)

	for name, hydrate := range map[string]func(context.Context) error{
		"registry":   reg.Hydrate,
		"agreements": agreements.Hydrate,
		"escrows":    escrows.Hydrate,
		"ledger":     ledger.Hydrate,
	} {
		if err := hydrate(ctx); err != nil {
			panic(fmt.Sprintf("Failed to hydrate %s: %v", name, err))
		}
	}

	// Orchestration plane.
	agents := orchestration.NewRegistry(cfg.HeartbeatInterval())
	agents.SetEmitter(emitter)
	queue := orchestration.NewQueue(cfg.TaskTimeout(), cfg.MaxRetries)
	bus := orchestration.NewBus()
	bus.SetObserver(acpMetrics.ObserveBusMessage)
	orch, err := orchestration.NewOrchestrator(agents, queue, bus, orchestration.Policy(cfg.LoadBalancing))
	if err != nil {
		panic(fmt.Sprintf("Failed to build orchestrator: %v", err))
	}
	orch.SetEmitter(emitter)
	agents.Start()
	orch.Start()
	defer orch.Stop()
	defer agents.Stop()

	go func() {
		ticker := time.NewTicker(escrowSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				expired, err := escrows.SweepExpired(ctx)
				if err != nil {
					logger.Warn("Escrow expiry sweep reported errors", slog.Any("error", err))
				}
				if len(expired) > 0 {
					logger.Info("Expired escrows swept", slog.Int("count", len(expired)))
				}
				acpMetrics.SetAgentsOnline(agents.CountOnline())
				acpMetrics.SetPendingTasks(queue.PendingCount())
			case <-ctx.Done():
				return
			}
		}
	}()

	server := &rpc.Server{
		Registry:   reg,
		Agreements: agreements,
		Escrows:    escrows,
		Discovery:  disc,
		Ledger:     ledger,
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("ACP daemon listening", slog.String("address", cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", slog.Any("error", err))
	}
}
