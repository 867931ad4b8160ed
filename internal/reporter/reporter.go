// Package reporter buffers usage events and delivers them in batches.
//
// The queue is bounded: recording past capacity drops the oldest event.
// Flush sends a snapshot of the queue and removes exactly the events that
// were sent, so events recorded while a flush is in flight wait for the next
// one. A batch that still fails after the configured retries is dropped.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
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
	DefaultCapacity      = 100
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxRetries    = 3

	DropOverflow = "overflow"
	DropDelivery = "delivery"

	tracerName = "github.com/matt-riley/flagsync/internal/reporter"
)

// Recorder receives reporter counters. Implemented by internal/metrics.
type Recorder interface {
	IncEventsDropped(reason string, n int)
	AddEventsDelivered(n int)
	SetQueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) IncEventsDropped(string, int) {}
func (nopRecorder) AddEventsDelivered(int)       {}
func (nopRecorder) SetQueueDepth(int)            {}

type Config struct {
	Capacity      int
	FlushInterval time.Duration
	// MaxRetries is the number of extra delivery attempts per batch.
	MaxRetries int
	Retry      retry.Policy
}

func DefaultConfig() Config {
	return Config{
		Capacity:      DefaultCapacity,
		FlushInterval: DefaultFlushInterval,
		MaxRetries:    DefaultMaxRetries,
		Retry:         retry.DefaultPolicy(),
	}
}

func (c Config) Validate() error {
	if err := ValidateQueue(c.Capacity, c.FlushInterval); err != nil {
		return err
	}
	if c.MaxRetries < 0 {
		return core.InvalidConfig("event max retries must be >= 0")
	}
	return c.Retry.Validate()
}

// ValidateQueue reports whether capacity and flushInterval are usable queue settings.
func ValidateQueue(capacity int, flushInterval time.Duration) error {
	if capacity <= 0 {
		return core.InvalidConfig("event queue capacity must be > 0")
	}
	if flushInterval <= 0 {
		return core.InvalidConfig("event flush interval must be > 0")
	}
	return nil
}

type Stats struct {
	Queued    int    `json:"queued"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

type Option func(*Reporter)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Reporter) {
		if clock != nil {
			r.clock = clock
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Reporter) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Reporter) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithOnDeliveryFailure registers fn to be called with the number of events
// dropped and the last delivery error whenever a batch is given up on.
func WithOnDeliveryFailure(fn func(dropped int, err error)) Option {
	return func(r *Reporter) { r.onFailure = fn }
}

type queued struct {
	seq   uint64
	event core.OutgoingEvent
}

type Reporter struct {
	sender    core.EventSender
	logger    *slog.Logger
	clock     clockwork.Clock
	recorder  Recorder
	tracer    trace.Tracer
	onFailure func(int, error)

	maxRetries int
	policy     retry.Policy

	// mu guards the queue and everything below it.
	mu            sync.Mutex
	queue         []queued
	nextSeq       uint64
	capacity      int
	flushInterval time.Duration
	closed        bool
	stats         Stats
	// inFlight is the last sequence number of the batch being sent.
	// Overflow can push those events out of the queue mid-flight; they are
	// counted in trimmedInFlight and settled by the flush.
	inFlight        uint64
	trimmedInFlight int

	// flushMu serializes Flush calls.
	flushMu sync.Mutex

	loopMu      sync.Mutex
	cancelLoop  context.CancelFunc
	loopDone    chan struct{}
	reconfigure chan struct{}
}

func New(sender core.EventSender, cfg Config, opts ...Option) (*Reporter, error) {
	if sender == nil {
		return nil, core.InvalidConfig("event sender is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Reporter{
		sender:        sender,
		clock:         clockwork.NewRealClock(),
		recorder:      nopRecorder{},
		tracer:        otel.Tracer(tracerName),
		maxRetries:    cfg.MaxRetries,
		policy:        cfg.Retry,
		capacity:      cfg.Capacity,
		flushInterval: cfg.FlushInterval,
		reconfigure:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDefault(r.logger).With("component", "reporter")
	return r, nil
}

// Record queues ev for delivery. It never blocks on the network; when the
// queue is full the oldest event is dropped. Events recorded after Close are
// discarded.
func (r *Reporter) Record(ev core.OutgoingEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.clock.Now().UTC()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.nextSeq++
	r.queue = append(r.queue, queued{seq: r.nextSeq, event: ev})
	dropped := r.trimLocked()
	depth := len(r.queue)
	r.mu.Unlock()

	r.recorder.SetQueueDepth(depth)
	if dropped > 0 {
		r.recorder.IncEventsDropped(DropOverflow, dropped)
	}
}

// trimLocked drops the oldest events until the queue fits capacity. It
// returns how many were dropped for good; events already handed to an
// in-flight flush are left for that flush to account for.
func (r *Reporter) trimLocked() int {
	over := len(r.queue) - r.capacity
	if over <= 0 {
		return 0
	}
	inFlight := 0
	for _, q := range r.queue[:over] {
		if q.seq <= r.inFlight {
			inFlight++
		}
	}
	// Copy so the dropped events do not pin the old backing array.
	r.queue = append([]queued(nil), r.queue[over:]...)
	r.trimmedInFlight += inFlight
	dropped := over - inFlight
	r.stats.Dropped += uint64(dropped)
	return dropped
}

// Flush delivers the events queued at call time. On failure the batch stays
// at the front of the queue while it is retried; once MaxRetries is used up
// it is dropped and the returned error wraps core.ErrReportDelivery.
func (r *Reporter) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	batch, last := r.pending()
	if len(batch) == 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "reporter.flush", trace.WithAttributes(
		attribute.Int("flagsync.events", len(batch)),
	))
	defer span.End()

	b := r.policy.NewBackOff()
	var err error
	attempts := 0
	for {
		attempts++
		if err = r.sender.SendEvents(ctx, batch); err == nil {
			break
		}
		r.logger.Warn("event delivery failed",
			"events", len(batch),
			"attempt", attempts,
			"error", err,
		)
		if attempts > r.maxRetries {
			break
		}
		if !retry.Sleep(ctx, r.clock, retry.Next(b, r.policy.Max)) {
			// Cancelled mid-retry: keep the batch for the next flush.
			r.abandon()
			span.SetStatus(otelcodes.Error, "cancelled")
			return fmt.Errorf("%w: flush cancelled: %w", core.ErrReportDelivery, ctx.Err())
		}
	}

	removed := r.release(last, err == nil)
	if err == nil {
		r.recorder.AddEventsDelivered(removed)
		return nil
	}

	r.recorder.IncEventsDropped(DropDelivery, removed)
	err = fmt.Errorf("%w: dropped %d events after %d attempts: %w", core.ErrReportDelivery, removed, attempts, err)
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, "delivery failed")
	r.logger.Error("event batch dropped", "events", removed, "attempts", attempts, "error", err)
	if r.onFailure != nil {
		r.onFailure(removed, err)
	}
	return err
}

// pending copies the queue and returns it with the sequence number of its
// last event.
func (r *Reporter) pending() ([]core.OutgoingEvent, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil, 0
	}
	batch := make([]core.OutgoingEvent, len(r.queue))
	for i, q := range r.queue {
		batch[i] = q.event
	}
	r.inFlight = r.queue[len(r.queue)-1].seq
	return batch, r.inFlight
}

// release removes every queued event up to and including seq and returns
// the size of the settled batch, including events overflow pushed out of
// the queue while they were being sent.
func (r *Reporter) release(seq uint64, delivered bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for n < len(r.queue) && r.queue[n].seq <= seq {
		n++
	}
	r.queue = append([]queued(nil), r.queue[n:]...)
	n += r.trimmedInFlight
	r.inFlight, r.trimmedInFlight = 0, 0
	if delivered {
		r.stats.Delivered += uint64(n)
	} else {
		r.stats.Failed += uint64(n)
	}
	r.recorder.SetQueueDepth(len(r.queue))
	return n
}

// abandon ends an unfinished flush. Events overflow pushed out while it was
// in flight are counted as overflow drops.
func (r *Reporter) abandon() {
	r.mu.Lock()
	lost := r.trimmedInFlight
	r.inFlight, r.trimmedInFlight = 0, 0
	r.stats.Dropped += uint64(lost)
	r.mu.Unlock()

	if lost > 0 {
		r.recorder.IncEventsDropped(DropOverflow, lost)
	}
}

// Configure changes the queue capacity and flush interval. Shrinking the
// capacity drops the oldest events immediately; a running flush loop picks
// up the new interval on its next tick.
func (r *Reporter) Configure(capacity int, flushInterval time.Duration) error {
	if err := ValidateQueue(capacity, flushInterval); err != nil {
		return err
	}
	r.mu.Lock()
	r.capacity = capacity
	r.flushInterval = flushInterval
	dropped := r.trimLocked()
	depth := len(r.queue)
	r.mu.Unlock()

	r.recorder.SetQueueDepth(depth)
	if dropped > 0 {
		r.recorder.IncEventsDropped(DropOverflow, dropped)
	}
	select {
	case r.reconfigure <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the periodic flush until ctx ends or Close is called. Calling
// Start on a running or closed reporter does nothing.
func (r *Reporter) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.cancelLoop != nil || r.isClosed() {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	r.loopDone = make(chan struct{})
	go r.loop(ctx, r.loopDone)
}

func (r *Reporter) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := r.clock.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.reconfigure:
			ticker.Reset(r.interval())
		case <-ticker.Chan():
			if err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("periodic flush failed", "error", err)
			}
		}
	}
}

func (r *Reporter) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Reporter) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushInterval
}

// Close stops the flush loop and makes one last delivery attempt with ctx.
// Events recorded after Close are discarded.
func (r *Reporter) Close(ctx context.Context) error {
	r.loopMu.Lock()
	cancel, done := r.cancelLoop, r.loopDone
	r.cancelLoop = nil
	r.loopMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	return r.Flush(ctx)
}

func (r *Reporter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.Queued = len(r.queue)
	return st
}
