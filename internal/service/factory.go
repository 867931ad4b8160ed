package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/matt-riley/flagsync/internal/cache"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/reporter"
	"github.com/matt-riley/flagsync/internal/synchronizer"
	transportgrpc "github.com/matt-riley/flagsync/internal/transport/grpc"
	transporthttp "github.com/matt-riley/flagsync/internal/transport/http"
)

// Cache is the flag cache as the service uses it.
type Cache interface {
	synchronizer.Cache
	Get(contextKey, flagKey string) (core.Flag, bool)
	Snapshot(contextKey string) (core.Snapshot, bool)
	Activate(ctx context.Context, contextKey string) bool
	Configure(maxCachedValues int) error
	Stats() cache.Stats
}

type Synchronizer interface {
	Start(mode core.Mode) error
	SetMode(mode core.Mode) error
	SetUser(user core.User) error
	Stop()
	Status() synchronizer.Status
}

type Reporter interface {
	Record(ev core.OutgoingEvent)
	Flush(ctx context.Context) error
	Configure(capacity int, flushInterval time.Duration) error
	Start(ctx context.Context)
	Close(ctx context.Context) error
	Stats() reporter.Stats
}

// Factory builds the components a Service is wired from. Tests substitute
// their own to run the service against fakes.
type Factory interface {
	NewTransport(clientKey string, cfg Config) (core.Transport, error)
	NewCache(cfg Config) (Cache, error)
	NewSynchronizer(transport core.Transport, cache Cache, user core.User, cfg Config) (Synchronizer, error)
	NewReporter(sender core.EventSender, cfg Config) (Reporter, error)
}

// Recorder is the union of the component recorders. Implemented by
// internal/metrics.
type Recorder interface {
	cache.Recorder
	synchronizer.Recorder
	reporter.Recorder
}

// DefaultFactory builds the real components. Zero-valued fields fall back to
// each component's defaults.
type DefaultFactory struct {
	Store          core.KVStore
	Logger         *slog.Logger
	Clock          clockwork.Clock
	Recorder       Recorder
	TracerProvider trace.TracerProvider
	// GRPCDialOptions replace the gRPC transport's default insecure
	// credentials, so they must carry credentials of their own.
	GRPCDialOptions []grpc.DialOption
}

func (f DefaultFactory) NewTransport(clientKey string, cfg Config) (core.Transport, error) {
	switch cfg.Transport {
	case TransportGRPC:
		return transportgrpc.New(transportgrpc.Config{
			Address:   cfg.GRPCAddr,
			ClientKey: clientKey,
			DialOpts:  f.GRPCDialOptions,
			Logger:    f.Logger,
		})
	default:
		return transporthttp.New(transporthttp.Config{
			BaseURL:   cfg.BaseURL,
			ClientKey: clientKey,
			Logger:    f.Logger,
		})
	}
}

func (f DefaultFactory) NewCache(cfg Config) (Cache, error) {
	opts := []cache.Option{
		cache.WithMaxCachedValues(cfg.MaxCachedValues),
		cache.WithNamespace(cfg.Namespace),
		cache.WithLogger(f.Logger),
		cache.WithClock(f.Clock),
	}
	if f.Recorder != nil {
		opts = append(opts, cache.WithRecorder(f.Recorder))
	}
	return cache.New(f.Store, opts...)
}

func (f DefaultFactory) NewSynchronizer(transport core.Transport, c Cache, user core.User, cfg Config) (Synchronizer, error) {
	opts := []synchronizer.Option{
		synchronizer.WithLogger(f.Logger),
		synchronizer.WithClock(f.Clock),
		synchronizer.WithTracerProvider(f.TracerProvider),
	}
	if f.Recorder != nil {
		opts = append(opts, synchronizer.WithRecorder(f.Recorder))
	}
	return synchronizer.New(transport, c, user, cfg.synchronizerConfig(), opts...)
}

func (f DefaultFactory) NewReporter(sender core.EventSender, cfg Config) (Reporter, error) {
	opts := []reporter.Option{
		reporter.WithLogger(f.Logger),
		reporter.WithClock(f.Clock),
		reporter.WithTracerProvider(f.TracerProvider),
	}
	if f.Recorder != nil {
		opts = append(opts, reporter.WithRecorder(f.Recorder))
	}
	return reporter.New(sender, cfg.reporterConfig(), opts...)
}

var _ Factory = DefaultFactory{}
