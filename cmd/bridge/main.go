// cmd/bridge/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridge-dispatch/internal/bridgenode"
	"bridge-dispatch/internal/config"
	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/infra/etcd"
	shell_infra "bridge-dispatch/internal/infra/shell"
	"bridge-dispatch/internal/tracing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	// 1. Config, logger and tracer
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.NodeBridge.ID == "" {
		cfg.NodeBridge.ID = "bridge-" + uuid.NewString()
	}
	if err := cfg.ValidateNode(); err != nil {
		log.Fatalf("Invalid bridge node configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("bridge-dispatch-node", nil)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	// 2. The local bridge and its HTTP surface
	accepts := make([]domain.TaskType, 0, len(cfg.NodeBridge.Accepts))
	for _, a := range cfg.NodeBridge.Accepts {
		accepts = append(accepts, domain.TaskType(a))
	}
	bridge := shell_infra.NewCommandBridge(shell_infra.CommandConfig{
		ID:              cfg.NodeBridge.ID,
		Year:            cfg.NodeBridge.Scope,
		Accepts:         accepts,
		Command:         cfg.NodeBridge.Command,
		SelfTestCommand: cfg.NodeBridge.SelfTestCommand,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", bridgenode.NewServer(bridge, logger).Handler())
	server := &http.Server{Addr: cfg.NodeListenAddr, Handler: mux}

	go func() {
		logger.Info("bridge node listening", "addr", cfg.NodeListenAddr, "bridge_id", bridge.ID())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("bridge node server failed", "error", err)
			cancel()
		}
	}()

	// 3. Announce the node in etcd
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()

		addr := cfg.NodeAdvertiseAddr
		if addr == "" {
			addr = cfg.NodeListenAddr
		}
		registry := etcd.NewRegistry(etcdClient, logger)
		if err := registry.Register(rootCtx, bridgenode.Announcement{
			ID:      bridge.ID(),
			Year:    bridge.Scope(),
			Accepts: bridge.Accepts(),
			Addr:    addr,
		}, cfg.NodeLeaseTTL); err != nil {
			log.Fatalf("Failed to register bridge node: %v", err)
		}
		defer func() {
			deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer deregCancel()
			if err := registry.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister bridge node", "error", err)
			}
		}()
	}

	// 4. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down bridge node gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := bridge.ForceAbort(shutdownCtx); err != nil {
		logger.Warn("failed to stop running command", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("bridge node shutdown failed", "error", err)
	}
	logger.Info("bridge node shut down")
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
