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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jup-ag/clone-protocol/config"
	"github.com/jup-ag/clone-protocol/core"
	"github.com/jup-ag/clone-protocol/events"
	"github.com/jup-ag/clone-protocol/ledger"
	"github.com/jup-ag/clone-protocol/observability/logging"
	"github.com/jup-ag/clone-protocol/rpc"
	"github.com/jup-ag/clone-protocol/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Options{
		Service:    "cloned",
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	if err := run(cfg, *genesisFlag, logger); err != nil {
		logger.Error("daemon exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, genesisOverride string, logger *slog.Logger) error {
	genesisPath := cfg.GenesisFile
	if strings.TrimSpace(genesisOverride) != "" {
		genesisPath = genesisOverride
	}
	gen, err := core.LoadGenesis(genesisPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Authority) != "" {
		gen.Authority = cfg.Authority
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	journalDB, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer journalDB.Close()

	snapshots, err := storage.OpenSnapshotStore(cfg.SnapshotPath())
	if err != nil {
		return err
	}
	defer snapshots.Close()

	var emitter events.Emitter = storage.NewJournal(journalDB)
	protocol, err := core.New(gen, ledger.NewMemory(), core.Options{
		StaleSlotThreshold: cfg.StaleSlotThreshold,
		EventTailLimit:     cfg.EventTailLimit,
		Emitter:            emitter,
		Snapshots:          snapshots,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpc.NewServer(protocol, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rpc listening", slog.String("address", cfg.RPCAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var metricsServer *http.Server
	if addr := strings.TrimSpace(cfg.MetricsAddress); addr != "" && addr != cfg.RPCAddress {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", slog.String("address", addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		return fmt.Errorf("rpc server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown rpc server: %w", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
	}
	return nil
}

func openJournal(cfg *config.Config) (storage.Database, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.JournalBackend)) {
	case "memory":
		return storage.NewMemDB(), nil
	case "leveldb", "":
		return storage.NewLevelDB(cfg.JournalPath())
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.JournalBackend)
	}
}
