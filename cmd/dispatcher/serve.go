package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "bridge-dispatch/internal/api/http"
	"bridge-dispatch/internal/bridge"
	"bridge-dispatch/internal/bridgenode"
	"bridge-dispatch/internal/config"
	"bridge-dispatch/internal/domain"
	"bridge-dispatch/internal/infra/etcd"
	"bridge-dispatch/internal/infra/file"
	http_infra "bridge-dispatch/internal/infra/http"
	shell_infra "bridge-dispatch/internal/infra/shell"
	"bridge-dispatch/internal/queue"
	"bridge-dispatch/internal/scheduler"
	"bridge-dispatch/internal/tracing"
	"bridge-dispatch/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServeCmd runs the dispatcher until SIGINT or SIGTERM.
func ServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher with its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func serve(cfg *config.Config) error {
	// 1. Logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	var traceOut io.Writer
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	tracerShutdown, err := tracing.InitTracer("bridge-dispatch", traceOut)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	// 2. Bridges
	notifier := http_infra.NewNotifier(cfg.NotifyTimeout, logger)
	pool := bridge.NewPool(notifier, logger)
	for _, bc := range cfg.Bridges {
		b := shell_infra.NewCommandBridge(commandConfig(bc), logger)
		if err := pool.Register(rootCtx, b); err != nil {
			return err
		}
	}

	// 3. Persistence and optional etcd collaborators
	opts := []queue.Option{
		queue.WithSnapshotStore(file.NewSnapshotStore(cfg.DataDir, logger)),
		queue.WithOutcomeLog(file.NewOutcomeLog(cfg.DataDir, logger)),
	}
	var history domain.OutcomeRepository
	var discovery *etcd.Discovery
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			return err
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)

		history = etcd.NewOutcomeRepository(etcdClient, logger)
		opts = append(opts, queue.WithOutcomeRecorder(history))
		discovery = etcd.NewDiscovery(etcdClient, pool, func(a bridgenode.Announcement) domain.Bridge {
			return http_infra.NewRemoteBridge(a, cfg.SelfTestTimeout)
		}, logger)
	}

	dispatcher := queue.New(pool, queue.Config{
		DefaultTimeout: cfg.DefaultTaskTimeout,
		CheckInterval:  cfg.TimeoutCheckInterval,
		AbortTimeout:   cfg.AbortTimeout,
	}, logger, opts...)

	// 4. gRPC health service
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	if cfg.GrpcListenAddr != "" {
		lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server failed", "error", err)
			}
		}()
		logger.Info("gRPC health service listening", "addr", cfg.GrpcListenAddr)
	}
	defer grpcServer.GracefulStop()

	// 5. Startup sequence: self-test, restore, start
	boot := &usecase.Bootstrap{
		Pool:            pool,
		Dispatcher:      dispatcher,
		Health:          healthServer,
		SelfTestTimeout: cfg.SelfTestTimeout,
		Logger:          logger,
	}
	if err := boot.Start(rootCtx); err != nil {
		return err
	}
	if discovery != nil {
		go discovery.Watch(rootCtx)
	}

	// 6. Maintenance jobs
	maintenance := scheduler.NewMaintenance(logger)
	if err := maintenance.Add(scheduler.Job{
		Name:     "checkpoint",
		Schedule: cfg.CheckpointSchedule,
		Run: func(ctx context.Context) error {
			_, err := dispatcher.Snapshot(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	if err := maintenance.Add(scheduler.Job{
		Name:     "outcome-log",
		Schedule: cfg.OutcomeLogSchedule,
		Run: func(ctx context.Context) error {
			_, err := dispatcher.WriteOutcomes(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		maintenance.Start(rootCtx)
	}()

	// 7. HTTP API
	service := usecase.NewTaskService(dispatcher, pool, history, logger)
	handler := http_api.NewTaskHandler(service, logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(mux),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			cancel()
		}
	}()

	// 8. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down dispatcher gracefully")
	<-maintenanceDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stopping the dispatcher first closes the event streams so server
	// shutdown does not wait on them.
	boot.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	default:
	}
	logger.Info("dispatcher shut down")
	return nil
}

func commandConfig(bc config.BridgeConfig) shell_infra.CommandConfig {
	accepts := make([]domain.TaskType, 0, len(bc.Accepts))
	for _, a := range bc.Accepts {
		accepts = append(accepts, domain.TaskType(a))
	}
	return shell_infra.CommandConfig{
		ID:              bc.ID,
		Year:            bc.Scope,
		Accepts:         accepts,
		Command:         bc.Command,
		SelfTestCommand: bc.SelfTestCommand,
	}
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
