// Package synchronizer keeps the flag cache current for the active user by
// running one streaming or polling session at a time.
//
// Every Start, SetMode, SetUser and Stop bumps a generation counter. A session
// only writes to the cache while its generation is current, and the write
// happens under a mutex that Stop and mode switches also take, so once those
// calls return no older session can touch the cache again.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/retry"
)

const (
	DefaultPollingInterval    = 30 * time.Second
	DefaultMaxPollingInterval = 5 * time.Minute
	DefaultRequestTimeout     = 10 * time.Second

	tracerName = "github.com/matt-riley/flagsync/internal/synchronizer"
)

type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StatePolling   State = "polling"
	StateBackoff   State = "backoff"
	StateStopped   State = "stopped"
)

// Cache is the part of the flag cache the synchronizer writes to.
type Cache interface {
	Put(ctx context.Context, contextKey string, snapshot core.Snapshot)
	ApplyDelta(ctx context.Context, contextKey string, flag core.Flag) bool
}

type Transport interface {
	core.Streamer
	core.Poller
}

// Recorder receives synchronizer counters. Implemented by internal/metrics.
type Recorder interface {
	IncTransportErrors(mode string)
	IncSyncUpdates(kind string)
	IncModeSwitches()
	ObserveRetryDelay(d time.Duration)
	SetSyncState(state string)
}

type nopRecorder struct{}

func (nopRecorder) IncTransportErrors(string)       {}
func (nopRecorder) IncSyncUpdates(string)           {}
func (nopRecorder) IncModeSwitches()                {}
func (nopRecorder) ObserveRetryDelay(time.Duration) {}
func (nopRecorder) SetSyncState(string)             {}

type Config struct {
	PollingInterval time.Duration
	// MaxPollingInterval caps the delay after failed polls.
	MaxPollingInterval time.Duration
	// RequestTimeout bounds each poll and each stream connect. Expiry counts
	// as a transport error.
	RequestTimeout time.Duration
	Retry          retry.Policy
}

func DefaultConfig() Config {
	return Config{
		PollingInterval:    DefaultPollingInterval,
		MaxPollingInterval: DefaultMaxPollingInterval,
		RequestTimeout:     DefaultRequestTimeout,
		Retry:              retry.DefaultPolicy(),
	}
}

func (c Config) Validate() error {
	if c.PollingInterval <= 0 {
		return core.InvalidConfig("polling interval must be > 0")
	}
	if c.MaxPollingInterval < c.PollingInterval {
		return core.InvalidConfig("max polling interval must be >= polling interval")
	}
	if c.RequestTimeout <= 0 {
		return core.InvalidConfig("request timeout must be > 0")
	}
	return c.Retry.Validate()
}

// Status is a point-in-time view of the synchronizer.
type Status struct {
	State               State         `json:"state"`
	Mode                core.Mode     `json:"mode"`
	Generation          uint64        `json:"generation"`
	ContextKey          string        `json:"context_key"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastRetryDelay      time.Duration `json:"last_retry_delay"`
	NextAttempt         time.Time     `json:"next_attempt,omitzero"`
	LastUpdate          time.Time     `json:"last_update,omitzero"`
	LastError           string        `json:"last_error,omitempty"`
}

type Option func(*Synchronizer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Synchronizer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Synchronizer) {
		if r != nil {
			s.recorder = r
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Synchronizer) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

type Synchronizer struct {
	transport Transport
	cache     Cache
	cfg       Config
	logger    *slog.Logger
	clock     clockwork.Clock
	recorder  Recorder
	tracer    trace.Tracer

	gen atomic.Uint64
	// applyMu serializes cache writes with generation changes.
	applyMu sync.Mutex

	mu     sync.Mutex
	status Status
	user   core.User
	cancel context.CancelFunc
	done   chan struct{}
}

func New(transport Transport, cache Cache, user core.User, cfg Config, opts ...Option) (*Synchronizer, error) {
	if transport == nil {
		return nil, core.InvalidConfig("transport is nil")
	}
	if cache == nil {
		return nil, core.InvalidConfig("cache is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Synchronizer{
		transport: transport,
		cache:     cache,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		recorder:  nopRecorder{},
		tracer:    otel.Tracer(tracerName),
		user:      user,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).With("component", "synchronizer")
	s.status = Status{State: StateIdle, ContextKey: user.CacheKey()}
	s.recorder.SetSyncState(string(StateIdle))

	return s, nil
}

// Start begins synchronizing in mode. Calling Start on a running
// synchronizer restarts it in mode.
func (s *Synchronizer) Start(mode core.Mode) error {
	if _, err := core.ParseMode(string(mode)); err != nil {
		return err
	}

	s.mu.Lock()
	if s.status.State == StateStopped {
		s.mu.Unlock()
		return core.ErrStopped
	}
	s.restartLocked(mode)
	s.mu.Unlock()

	s.barrier()
	return nil
}

// SetMode tears down the running session and starts a new one in mode.
// On an idle synchronizer it only records the mode for the next Start.
func (s *Synchronizer) SetMode(mode core.Mode) error {
	if _, err := core.ParseMode(string(mode)); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.status.State == StateStopped:
		s.mu.Unlock()
		return core.ErrStopped
	case s.status.State == StateIdle:
		s.status.Mode = mode
		s.mu.Unlock()
		return nil
	case s.status.Mode == mode:
		s.mu.Unlock()
		return nil
	}
	from := s.status.Mode
	s.restartLocked(mode)
	s.mu.Unlock()

	s.barrier()
	s.recorder.IncModeSwitches()
	s.logger.Info("sync mode switched", "from", from, "to", mode)
	return nil
}

// SetUser switches the synchronized context. A running session is restarted
// for the new user; updates still in flight for the old user are dropped.
func (s *Synchronizer) SetUser(user core.User) error {
	s.mu.Lock()
	if s.status.State == StateStopped {
		s.mu.Unlock()
		return core.ErrStopped
	}
	s.user = user
	s.status.ContextKey = user.CacheKey()
	if s.status.State == StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.restartLocked(s.status.Mode)
	s.mu.Unlock()

	s.barrier()
	return nil
}

// Stop ends the running session and waits for it to exit. No cache write
// happens after Stop returns. Stop is idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.status.State != StateStopped {
		s.gen.Add(1)
		s.setStateLocked(StateStopped)
		s.status.Generation = s.gen.Load()
		s.status.NextAttempt = time.Time{}
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.barrier()
	if done != nil {
		<-done
	}
}

func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// restartLocked cancels the current session and launches a new one. The new
// session waits for the old one to exit before touching the transport, so at
// most one session is ever connected. Callers hold s.mu.
func (s *Synchronizer) restartLocked(mode core.Mode) {
	gen := s.gen.Add(1)
	if s.cancel != nil {
		s.cancel()
	}
	prev := s.done

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	s.status.Mode = mode
	s.status.Generation = gen
	s.status.ConsecutiveFailures = 0
	s.status.LastRetryDelay = 0
	s.status.NextAttempt = time.Time{}
	s.status.LastError = ""
	if mode == core.ModeStream {
		s.setStateLocked(StateStreaming)
	} else {
		s.setStateLocked(StatePolling)
	}

	go s.run(ctx, gen, mode, s.user, prev, done)
}

// barrier waits for any cache write that passed its generation check before
// the generation changed.
func (s *Synchronizer) barrier() {
	s.applyMu.Lock() //nolint:staticcheck // barrier
	s.applyMu.Unlock()
}

func (s *Synchronizer) run(ctx context.Context, gen uint64, mode core.Mode, user core.User, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	if mode == core.ModeStream {
		s.runStream(ctx, gen, user)
	} else {
		s.runPoll(ctx, gen, user)
	}
}

func (s *Synchronizer) current(gen uint64) bool {
	return s.gen.Load() == gen
}

// apply runs write against the cache if gen is still current.
func (s *Synchronizer) apply(gen uint64, write func()) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.gen.Load() != gen {
		return false
	}
	write()
	return true
}

// -- streaming ---------------------------------------------------------------

func (s *Synchronizer) runStream(ctx context.Context, gen uint64, user core.User) {
	b := s.cfg.Retry.NewBackOff()
	for {
		s.setState(gen, StateStreaming)
		err := s.streamOnce(ctx, gen, user, b)
		if ctx.Err() != nil || !s.current(gen) {
			return
		}
		if err == nil {
			// Server asked for a reconnect; no penalty.
			continue
		}

		delay := retry.Next(b, s.cfg.Retry.Max)
		s.failed(gen, core.ModeStream, err, delay)
		if !retry.Sleep(ctx, s.clock, delay) {
			return
		}
	}
}

// streamOnce runs one stream connection. It returns nil when the session
// ends or the server requests a reconnect, and the transport error otherwise.
func (s *Synchronizer) streamOnce(ctx context.Context, gen uint64, user core.User, b backoff.BackOff) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := s.connect(connCtx, cancel, user)
	if err != nil {
		return err
	}

	contextKey := user.CacheKey()
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: stream closed without error event", core.ErrTransport)
			}

			switch ev.Kind {
			case core.SyncFullSnapshot:
				if !s.apply(gen, func() { s.cache.Put(writeCtx, contextKey, ev.Snapshot) }) {
					return nil
				}
				b.Reset()
				s.succeeded(gen, ev.Kind)
			case core.SyncDelta:
				if !s.apply(gen, func() { s.cache.ApplyDelta(writeCtx, contextKey, ev.Flag) }) {
					return nil
				}
				b.Reset()
				s.succeeded(gen, ev.Kind)
			case core.SyncHeartbeat:
				b.Reset()
				s.succeeded(gen, ev.Kind)
			case core.SyncReconnect:
				s.recorder.IncSyncUpdates(ev.Kind.String())
				s.logger.Debug("server requested reconnect", "context_key", contextKey)
				return nil
			case core.SyncTransportError:
				if ev.Err == nil {
					return core.ErrTransport
				}
				if !errors.Is(ev.Err, core.ErrTransport) {
					return fmt.Errorf("%w: %w", core.ErrTransport, ev.Err)
				}
				return ev.Err
			}
		}
	}
}

// connect opens the stream under RequestTimeout. The timer cancels only the
// connect; once the stream is up it lives as long as ctx.
func (s *Synchronizer) connect(ctx context.Context, cancel context.CancelFunc, user core.User) (<-chan core.SyncEvent, error) {
	ctx, span := s.tracer.Start(ctx, "synchronizer.connect", trace.WithAttributes(
		attribute.String("flagsync.context_key", user.CacheKey()),
	))
	defer span.End()

	timer := time.AfterFunc(s.cfg.RequestTimeout, cancel)
	events, err := s.transport.ConnectStream(ctx, user)
	if !timer.Stop() {
		err = fmt.Errorf("%w: connect timed out after %s", core.ErrTransport, s.cfg.RequestTimeout)
	} else if err != nil && !errors.Is(err, core.ErrTransport) {
		err = fmt.Errorf("%w: connect: %w", core.ErrTransport, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "connect failed")
		return nil, err
	}
	return events, nil
}

// -- polling -----------------------------------------------------------------

func (s *Synchronizer) runPoll(ctx context.Context, gen uint64, user core.User) {
	b := s.cfg.Retry.NewBackOff()
	contextKey := user.CacheKey()
	writeCtx := context.WithoutCancel(ctx)

	for {
		s.setState(gen, StatePolling)
		snap, err := s.poll(ctx, user)
		if ctx.Err() != nil || !s.current(gen) {
			// A switch or stop won the race; the result is dropped.
			return
		}

		var delay time.Duration
		if err != nil {
			// A failure only ever stretches the cadence.
			delay = max(s.cfg.PollingInterval, retry.Next(b, s.cfg.MaxPollingInterval))
			s.failed(gen, core.ModePoll, err, delay)
		} else {
			if !s.apply(gen, func() { s.cache.Put(writeCtx, contextKey, snap) }) {
				return
			}
			b.Reset()
			s.succeeded(gen, core.SyncFullSnapshot)
			delay = s.cfg.PollingInterval
			s.scheduled(gen, delay)
		}

		if !retry.Sleep(ctx, s.clock, delay) {
			return
		}
	}
}

func (s *Synchronizer) poll(ctx context.Context, user core.User) (core.Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "synchronizer.poll", trace.WithAttributes(
		attribute.String("flagsync.context_key", user.CacheKey()),
	))
	defer span.End()

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	snap, err := s.transport.Poll(pollCtx, user)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int("flagsync.flags", len(snap)))
		return snap, nil
	case ctx.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w: poll timed out after %s", core.ErrTransport, s.cfg.RequestTimeout)
	case !errors.Is(err, core.ErrTransport):
		err = fmt.Errorf("%w: poll: %w", core.ErrTransport, err)
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, "poll failed")
	return nil, err
}

// -- status ------------------------------------------------------------------

func (s *Synchronizer) setState(gen uint64, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen {
		return
	}
	s.setStateLocked(state)
}

func (s *Synchronizer) setStateLocked(state State) {
	if s.status.State == state {
		return
	}
	s.status.State = state
	s.recorder.SetSyncState(string(state))
}

func (s *Synchronizer) succeeded(gen uint64, kind core.SyncEventKind) {
	s.recorder.IncSyncUpdates(kind.String())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen {
		return
	}
	if s.status.ConsecutiveFailures > 0 {
		s.logger.Info("sync recovered", "mode", s.status.Mode, "failures", s.status.ConsecutiveFailures)
	}
	s.status.ConsecutiveFailures = 0
	s.status.LastError = ""
	if kind != core.SyncHeartbeat {
		s.status.LastUpdate = s.clock.Now()
	}
}

func (s *Synchronizer) scheduled(gen uint64, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen {
		return
	}
	s.status.NextAttempt = s.clock.Now().Add(delay)
}

// failed records a transport error and moves the session into Backoff. It
// runs before the retry sleep starts, so Status reflects the delay that is
// about to be waited.
func (s *Synchronizer) failed(gen uint64, mode core.Mode, err error, delay time.Duration) {
	s.recorder.IncTransportErrors(string(mode))
	s.recorder.ObserveRetryDelay(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen.Load() != gen {
		return
	}
	s.status.ConsecutiveFailures++
	s.status.LastRetryDelay = delay
	s.status.NextAttempt = s.clock.Now().Add(delay)
	s.status.LastError = err.Error()
	s.setStateLocked(StateBackoff)

	s.logger.Warn("sync attempt failed",
		"mode", mode,
		"failures", s.status.ConsecutiveFailures,
		"retry_in", delay,
		"error", err,
	)
}
