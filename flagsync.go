// Package flagsync keeps a local, persistent copy of server-evaluated feature
// flags in sync with the flag service and reports flag usage back to it.
//
//	client, err := flagsync.New(ctx, sdkKey, flagsync.DefaultConfig(), flagsync.User{Key: "user-1"})
//	if err != nil {
//		return err
//	}
//	defer client.Close(ctx)
//
//	if client.BoolVariation("new-ui", false) {
//		// ...
//	}
//
// Reads never block on the network: they are served from the in-memory
// cache, which is restored from the configured [KVStore] at startup and kept
// current by streaming or polling in the background.
package flagsync

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/retry"
	"github.com/matt-riley/flagsync/internal/service"
	"github.com/matt-riley/flagsync/internal/storage"
)

type (
	// Client is a running flagsync instance for one active user.
	Client = service.Service
	Config = service.Config
	Status = service.Status

	Flag     = core.Flag
	Snapshot = core.Snapshot
	User     = core.User
	Value    = core.Value
	Mode     = core.Mode
	KVStore  = core.KVStore
	// RetryPolicy configures backoff. Jitter must be in [0, 0.6) so each
	// retry sequence keeps growing.
	RetryPolicy = retry.Policy
	BoltStore   = storage.BoltStore
)

const (
	ModeStream = core.ModeStream
	ModePoll   = core.ModePoll

	TransportHTTP = service.TransportHTTP
	TransportGRPC = service.TransportGRPC
)

var (
	ErrInvalidConfig  = core.ErrInvalidConfig
	ErrTransport      = core.ErrTransport
	ErrReportDelivery = core.ErrReportDelivery
	ErrStopped        = core.ErrStopped
)

func DefaultConfig() Config { return service.DefaultConfig() }

func Null() Value            { return core.Null() }
func Bool(b bool) Value      { return core.Bool(b) }
func Number(n float64) Value { return core.Number(n) }
func String(s string) Value  { return core.String(s) }

// NewMemoryStore returns a store that keeps cached flags only for the life of
// the process.
func NewMemoryStore() KVStore { return storage.NewMemoryStore() }

// OpenBoltStore opens a file-backed store so cached flags survive restarts.
func OpenBoltStore(path string) (*BoltStore, error) { return storage.NewBoltStore(path) }

type Option func(*service.DefaultFactory)

func WithLogger(l *slog.Logger) Option {
	return func(f *service.DefaultFactory) { f.Logger = l }
}

// WithStore sets where cached flags are persisted. Without one nothing
// outlives the process.
func WithStore(s KVStore) Option {
	return func(f *service.DefaultFactory) { f.Store = s }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *service.DefaultFactory) { f.TracerProvider = tp }
}

// WithGRPCDialOptions replaces the default insecure credentials of the gRPC
// transport, so opts must include transport credentials.
func WithGRPCDialOptions(opts ...grpc.DialOption) Option {
	return func(f *service.DefaultFactory) { f.GRPCDialOptions = opts }
}

// New starts a client for user. Only configuration errors are returned; an
// unreachable flag service is retried in the background while cached or
// default values are served.
func New(ctx context.Context, clientKey string, cfg Config, user User, opts ...Option) (*Client, error) {
	var f service.DefaultFactory
	for _, o := range opts {
		o(&f)
	}
	return service.New(ctx, clientKey, cfg, user,
		service.WithFactory(f),
		service.WithLogger(f.Logger),
	)
}
