// Package service wires the flag cache, synchronizer, event reporter and
// transport into one running SDK instance.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/matt-riley/flagsync/internal/cache"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/reporter"
	"github.com/matt-riley/flagsync/internal/retry"
	"github.com/matt-riley/flagsync/internal/synchronizer"
)

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"

	DefaultBaseURL = "http://localhost:8080"
)

type Config struct {
	Mode      core.Mode
	Transport string
	BaseURL   string
	GRPCAddr  string

	PollingInterval    time.Duration
	MaxPollingInterval time.Duration
	RequestTimeout     time.Duration
	Retry              retry.Policy

	MaxCachedValues int
	// Namespace scopes persisted cache keys.
	Namespace string

	EventFlushInterval time.Duration
	EventQueueCapacity int
	EventMaxRetries    int
}

func DefaultConfig() Config {
	return Config{
		Mode:               core.ModeStream,
		Transport:          TransportHTTP,
		BaseURL:            DefaultBaseURL,
		PollingInterval:    synchronizer.DefaultPollingInterval,
		MaxPollingInterval: synchronizer.DefaultMaxPollingInterval,
		RequestTimeout:     synchronizer.DefaultRequestTimeout,
		Retry:              retry.DefaultPolicy(),
		MaxCachedValues:    cache.DefaultMaxCachedValues,
		Namespace:          cache.DefaultNamespace,
		EventFlushInterval: reporter.DefaultFlushInterval,
		EventQueueCapacity: reporter.DefaultCapacity,
		EventMaxRetries:    reporter.DefaultMaxRetries,
	}
}

// Validate checks everything New would otherwise reject part-way through
// wiring.
func (c Config) Validate() error {
	if _, err := core.ParseMode(string(c.Mode)); err != nil {
		return err
	}
	switch c.Transport {
	case TransportHTTP:
		if strings.TrimSpace(c.BaseURL) == "" {
			return core.InvalidConfig("base url is required for the http transport")
		}
	case TransportGRPC:
		if strings.TrimSpace(c.GRPCAddr) == "" {
			return core.InvalidConfig("grpc address is required for the grpc transport")
		}
	default:
		return core.InvalidConfig("transport %q is not one of http, grpc", c.Transport)
	}
	if c.MaxCachedValues <= 0 {
		return core.InvalidConfig("max cached values must be > 0")
	}
	if err := c.synchronizerConfig().Validate(); err != nil {
		return err
	}
	return c.reporterConfig().Validate()
}

func (c Config) synchronizerConfig() synchronizer.Config {
	return synchronizer.Config{
		PollingInterval:    c.PollingInterval,
		MaxPollingInterval: c.MaxPollingInterval,
		RequestTimeout:     c.RequestTimeout,
		Retry:              c.Retry,
	}
}

func (c Config) reporterConfig() reporter.Config {
	return reporter.Config{
		Capacity:      c.EventQueueCapacity,
		FlushInterval: c.EventFlushInterval,
		MaxRetries:    c.EventMaxRetries,
		Retry:         c.Retry,
	}
}

type Option func(*options)

type options struct {
	factory Factory
	logger  *slog.Logger
}

// WithFactory replaces the DefaultFactory used to build components.
func WithFactory(f Factory) Option {
	return func(o *options) { o.factory = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Status is a point-in-time view of every component.
type Status struct {
	User   string              `json:"user"`
	Sync   synchronizer.Status `json:"sync"`
	Cache  cache.Stats         `json:"cache"`
	Events reporter.Stats      `json:"events"`
}

type Service struct {
	transport core.Transport
	cache     Cache
	sync      Synchronizer
	reporter  Reporter
	logger    *slog.Logger

	mu   sync.RWMutex
	user core.User

	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg, builds every component and starts synchronizing for
// user. Only configuration errors are returned; a transport that is down at
// startup is retried in the background.
func New(ctx context.Context, clientKey string, cfg Config, user core.User, opts ...Option) (*Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDefault(o.logger)
	factory := o.factory
	if factory == nil {
		factory = DefaultFactory{Logger: logger}
	}

	if strings.TrimSpace(clientKey) == "" {
		return nil, core.InvalidConfig("client key is required")
	}
	if strings.TrimSpace(user.Key) == "" {
		return nil, core.InvalidConfig("user key is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport, err := factory.NewTransport(clientKey, cfg)
	if err != nil {
		return nil, err
	}
	c, err := factory.NewCache(cfg)
	if err != nil {
		closeTransport(transport)
		return nil, err
	}
	syncer, err := factory.NewSynchronizer(transport, c, user, cfg)
	if err != nil {
		closeTransport(transport)
		return nil, err
	}
	rep, err := factory.NewReporter(transport, cfg)
	if err != nil {
		closeTransport(transport)
		return nil, err
	}

	svc := &Service{
		transport: transport,
		cache:     c,
		sync:      syncer,
		reporter:  rep,
		logger:    logger.With("component", "service"),
		user:      user,
	}

	if c.Activate(ctx, user.CacheKey()) {
		svc.logger.Info("restored persisted flags", "context_key", user.CacheKey())
	}
	if err := syncer.Start(cfg.Mode); err != nil {
		closeTransport(transport)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	svc.cancel = cancel
	rep.Start(runCtx)
	rep.Record(identifyEvent(user))

	svc.logger.Info("service started", "mode", cfg.Mode, "transport", cfg.Transport, "context_key", user.CacheKey())
	return svc, nil
}

func (s *Service) User() core.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Flag returns the current flag for the active user without recording an
// evaluation.
func (s *Service) Flag(key string) (core.Flag, bool) {
	return s.cache.Get(s.User().CacheKey(), key)
}

// AllFlags returns the live flags of the active user.
func (s *Service) AllFlags() core.Snapshot {
	snap, ok := s.cache.Snapshot(s.User().CacheKey())
	if !ok {
		return core.Snapshot{}
	}
	return snap.Live()
}

// Variation returns the value of key for the active user, or def if the flag
// is unknown, and records an evaluation event either way.
func (s *Service) Variation(key string, def core.Value) core.Value {
	user := s.User()
	flag, ok := s.cache.Get(user.CacheKey(), key)

	ev := core.OutgoingEvent{
		Kind:       core.EventEvaluation,
		Key:        key,
		ContextKey: user.CacheKey(),
		Default:    &def,
	}
	value := def
	if ok {
		value = flag.Value
		ev.Version = flag.Version
		ev.Variation = flag.Variation
	}
	ev.Value = &value
	s.reporter.Record(ev)
	return value
}

func (s *Service) BoolVariation(key string, def bool) bool {
	if v, ok := s.Variation(key, core.Bool(def)).BoolValue(); ok {
		return v
	}
	return def
}

func (s *Service) StringVariation(key, def string) string {
	if v, ok := s.Variation(key, core.String(def)).StringValue(); ok {
		return v
	}
	return def
}

func (s *Service) NumberVariation(key string, def float64) float64 {
	if v, ok := s.Variation(key, core.Number(def)).NumberValue(); ok {
		return v
	}
	return def
}

// Identify switches the active user. Flags already cached or persisted for
// user are served at once while the synchronizer fetches fresh ones.
func (s *Service) Identify(ctx context.Context, user core.User) error {
	if strings.TrimSpace(user.Key) == "" {
		return core.InvalidConfig("user key is required")
	}

	s.mu.Lock()
	s.user = user
	s.mu.Unlock()

	s.cache.Activate(ctx, user.CacheKey())
	if err := s.sync.SetUser(user); err != nil {
		return err
	}
	s.reporter.Record(identifyEvent(user))
	s.logger.Info("user identified", "context_key", user.CacheKey())
	return nil
}

// Track records a custom event for the active user.
func (s *Service) Track(key string, data map[string]any) {
	s.reporter.Record(core.OutgoingEvent{
		Kind:       core.EventCustom,
		Key:        key,
		ContextKey: s.User().CacheKey(),
		Data:       data,
	})
}

func (s *Service) Flush(ctx context.Context) error {
	return s.reporter.Flush(ctx)
}

func (s *Service) SetMode(mode core.Mode) error {
	return s.sync.SetMode(mode)
}

// Configure changes the cache and event queue limits at runtime.
func (s *Service) Configure(maxCachedValues, eventQueueCapacity int, eventFlushInterval time.Duration) error {
	if err := reporter.ValidateQueue(eventQueueCapacity, eventFlushInterval); err != nil {
		return err
	}
	if err := s.cache.Configure(maxCachedValues); err != nil {
		return err
	}
	return s.reporter.Configure(eventQueueCapacity, eventFlushInterval)
}

func (s *Service) Status() Status {
	return Status{
		User:   s.User().CacheKey(),
		Sync:   s.sync.Status(),
		Cache:  s.cache.Stats(),
		Events: s.reporter.Stats(),
	}
}

// Close stops synchronization, makes a final event flush with ctx and
// releases the transport. Later calls return the first result.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.sync.Stop()
		s.cancel()
		var errs []error
		if err := s.reporter.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if c, ok := s.transport.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info("service closed")
	})
	return s.closeErr
}

func identifyEvent(user core.User) core.OutgoingEvent {
	return core.OutgoingEvent{
		Kind:       core.EventIdentify,
		Key:        user.Key,
		ContextKey: user.CacheKey(),
		Data:       user.Attributes,
	}
}

func closeTransport(t core.Transport) {
	if c, ok := t.(io.Closer); ok {
		_ = c.Close()
	}
}
