package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/beacon/internal/app/scheduler"
	"github.com/coachpo/beacon/internal/infra/config"
	httpserver "github.com/coachpo/beacon/internal/infra/server/http"
	"github.com/coachpo/beacon/internal/infra/telemetry"
)

const (
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	schedulerShutdownTimeout     = 5 * time.Second
	flushShutdownTimeout         = 15 * time.Second
	serviceShutdownTimeout       = 10 * time.Second
	lifecycleShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent",
	Long: `Run the analytics agent: the control API accepts events from local
clients, the drain schedule flushes the queue periodically and the queue is
flushed once more on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newAgentLogger()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Printf("configuration initialised: env=%s, backend=%s, batchSize=%d",
		appCfg.Environment, appCfg.Storage.Backend, appCfg.Analytics.BatchSize)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		return err
	}
	metrics, err := telemetry.NewPipelineMetrics(telemetryProvider.Meter(meterName))
	if err != nil {
		return fmt.Errorf("initialise pipeline metrics: %w", err)
	}

	a, err := newAgent(ctx, appCfg, logger, metrics)
	if err != nil {
		return err
	}

	sched := scheduler.New(componentLogger("scheduler "))
	if appCfg.Analytics.DrainSchedule != "" {
		if err := sched.Add("drain", appCfg.Analytics.DrainSchedule, a.service.Drain); err != nil {
			return closeAgent(ctx, a, err)
		}
	}
	sched.Start()

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, a)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	// Drain whatever a previous run left behind.
	a.service.Drain()

	logger.Print("agent started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:    apiServer,
		scheduler: sched,
		agent:     a,
		flush:     appCfg.Analytics.ShouldFlushOnShutdown(),
		lifecycle: &lifecycle,
		telemetry: telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
	return nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, a *agent) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(env, a.service, a.tokens),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server    *http.Server
	scheduler *scheduler.Scheduler
	agent     *agent
	flush     bool
	lifecycle *conc.WaitGroup
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.scheduler != nil {
		shutdownStep("stopping scheduler", schedulerShutdownTimeout, cfg.scheduler.Stop)
	}

	if cfg.agent != nil {
		if cfg.flush {
			shutdownStep("flushing queue", flushShutdownTimeout, cfg.agent.service.Flush)
		}
		shutdownStep("closing analytics service", serviceShutdownTimeout, cfg.agent.close)
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
