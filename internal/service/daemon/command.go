package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	grpcapi "github.com/oshokin/arrival-alarm/internal/api/grpc/arrival"
	"github.com/oshokin/arrival-alarm/internal/api/httpapi"
	"github.com/oshokin/arrival-alarm/internal/config"
	"github.com/oshokin/arrival-alarm/internal/logger"
	"github.com/oshokin/arrival-alarm/internal/observability"
	"github.com/oshokin/arrival-alarm/internal/service/instance"
)

// Options controls the arrival-daemon process and configuration.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// GRPCAddress overrides the control API listen address.
	GRPCAddress string
	// HTTPAddress overrides the HTTP listen address.
	HTTPAddress string
	// StorePath overrides the SQLite database path.
	StorePath string
}

// LoadConfig reads the settings and applies the command line overrides.
func LoadConfig(opts *Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if opts.GRPCAddress != "" {
		cfg.GRPCAddress = opts.GRPCAddress
	}

	if opts.HTTPAddress != "" {
		cfg.HTTPAddress = opts.HTTPAddress
	}

	if opts.StorePath != "" {
		cfg.StorePath = opts.StorePath
	}

	return cfg, nil
}

// Run loads the settings and serves until ctx is canceled.
func Run(ctx context.Context, opts *Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}

	return Serve(ctx, cfg)
}

// Serve starts the engine with its gRPC and HTTP surfaces and blocks until
// ctx is canceled or a server fails.
//
//nolint:funlen // Linear wiring reads best in one place.
func Serve(ctx context.Context, cfg *config.Config) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "arrival-daemon")

	// Refuse to run next to another daemon on the same pid file.
	guard, err := instance.Acquire(cfg.PIDFile)
	if err != nil {
		return err
	}

	defer func() {
		if err := guard.Release(); err != nil {
			logger.WarnKV(ctx, "Release pid file failed", "error", err)
		}
	}()

	// Install the tracer provider before any instrumented component exists.
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	defer observability.ShutdownWithTimeout(ctx, shutdownTracing)

	// Setup TCP listeners before starting background work so a busy port fails fast.
	lc := net.ListenConfig{}

	grpcListener, err := lc.Listen(ctx, "tcp", cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddress, err)
	}

	var httpListener net.Listener

	if cfg.HTTPAddress != "" {
		httpListener, err = lc.Listen(ctx, "tcp", cfg.HTTPAddress)
		if err != nil {
			_ = grpcListener.Close()
			return fmt.Errorf("listen on %s: %w", cfg.HTTPAddress, err)
		}
	}

	// Build the engine and its adapters.
	e, err := build(ctx, cfg)
	if err != nil {
		_ = grpcListener.Close()

		if httpListener != nil {
			_ = httpListener.Close()
		}

		return err
	}

	defer e.close(ctx)

	// Background loops stop with runCtx; failures of any of them stop the daemon.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	errs := make(chan error, 4)

	e.start(runCtx, &wg, errs)

	// Create and configure gRPC server with the control API.
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(e.collector.UnaryServerInterceptor()),
	)
	grpcapi.Register(grpcServer, e.grpcHandler())

	wg.Add(1)

	go func() {
		defer wg.Done()

		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errs <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	// Serve health, metrics, the companion websocket and the read endpoints.
	var httpServer *httpapi.Server

	if httpListener != nil {
		httpServer = httpapi.NewServer(e.httpHandler())

		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := httpServer.Serve(httpListener); err != nil {
				errs <- fmt.Errorf("serve HTTP: %w", err)
			}
		}()
	}

	logger.InfoKV(ctx, "Arrival daemon listening",
		"grpc_address", grpcListener.Addr().String(),
		"http_address", cfg.HTTPAddress,
		"store_path", cfg.StorePath,
		"mqtt_broker", cfg.MQTT.Broker,
	)

	// Wait for cancellation or the first failure.
	var result error

	select {
	case <-ctx.Done():
	case result = <-errs:
		logger.ErrorKV(ctx, "Arrival daemon failed", "error", result)
	}

	logger.Info(ctx, "Shutting down arrival daemon")

	// Stop accepting calls first, then the loops they feed.
	grpcServer.GracefulStop()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WarnKV(ctx, "HTTP shutdown failed", "error", err)
		}

		shutdownCancel()
	}

	cancel()
	wg.Wait()

	logger.Info(ctx, "Arrival daemon stopped")

	return result
}
