package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matt-riley/flagsync/internal/config"
	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/middleware"
	"github.com/matt-riley/flagsync/internal/server"
	"github.com/matt-riley/flagsync/internal/service"
	"github.com/matt-riley/flagsync/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(ctx, Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, closeStore, err := openStore(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer closeStore()

	factory := service.DefaultFactory{
		Store:          store,
		Logger:         log,
		Recorder:       m,
		TracerProvider: otel.GetTracerProvider(),
		GRPCDialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithChainUnaryInterceptor(m.UnaryClientInterceptor()),
			grpc.WithChainStreamInterceptor(m.StreamClientInterceptor()),
		},
	}
	svc, err := service.New(ctx, cfg.ClientKey, cfg.Service(), cfg.User(),
		service.WithFactory(factory),
		service.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.Warn("service close error", "error", err)
		}
	}()

	limiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer limiter.Stop()

	opts := []server.Option{
		server.WithMetrics(m.Handler(), m),
		server.WithRequestLogging(middleware.HTTPRequestLogging(log)),
	}
	if auth := newAuthMiddleware(cfg, m, limiter); auth != nil {
		opts = append(opts, server.WithAuth(auth))
	} else {
		log.Warn("AGENT_TOKEN is not set; the /v1 API is unauthenticated")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(server.NewHTTPHandler(svc, opts...), "flagsync-agent-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("agent started",
		"http_addr", cfg.HTTPAddr,
		"transport", cfg.Transport,
		"mode", cfg.StreamingMode,
		"store", cfg.Store,
		"version", Version,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("agent shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// newAuthMiddleware returns nil when neither AGENT_TOKEN nor AGENT_TOKEN_HASH
// is set.
func newAuthMiddleware(cfg config.Config, m *metrics.Metrics, limiter *middleware.RateLimiter) func(http.Handler) http.Handler {
	var validator middleware.TokenValidator
	switch {
	case cfg.AgentTokenHash != "":
		validator = middleware.NewHashedToken(cfg.AgentTokenHash)
	case cfg.AgentToken != "":
		validator = middleware.NewStaticToken(cfg.AgentToken)
	default:
		return nil
	}
	return middleware.HTTPBearerAuthMiddleware(validator,
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(limiter),
	)
}
