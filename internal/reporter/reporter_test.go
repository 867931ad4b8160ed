package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/retry"
)

type fakeSender struct {
	mu      sync.Mutex
	batches [][]core.OutgoingEvent
	calls   int
	err     error
	// entered and release, when set, block SendEvents until the test lets it finish.
	entered chan struct{}
	release chan struct{}
}

func (s *fakeSender) SendEvents(_ context.Context, batch []core.OutgoingEvent) error {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]core.OutgoingEvent(nil), batch...))
	return nil
}

func (s *fakeSender) delivered() [][]core.OutgoingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]core.OutgoingEvent(nil), s.batches...)
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeRecorder struct {
	mu        sync.Mutex
	dropped   map[string]int
	delivered int
	depth     int
}

func (r *fakeRecorder) IncEventsDropped(reason string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped == nil {
		r.dropped = map[string]int{}
	}
	r.dropped[reason] += n
}

func (r *fakeRecorder) AddEventsDelivered(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered += n
}

func (r *fakeRecorder) SetQueueDepth(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth = n
}

func testConfig(capacity int) Config {
	return Config{
		Capacity:      capacity,
		FlushInterval: 10 * time.Second,
		MaxRetries:    2,
		Retry:         retry.Policy{Base: time.Second, Max: 4 * time.Second},
	}
}

func newTestReporter(t *testing.T, sender core.EventSender, cfg Config, opts ...Option) (*Reporter, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts = append([]Option{WithClock(clock), WithLogger(logging.Nop())}, opts...)
	r, err := New(sender, cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, clock
}

func event(key string) core.OutgoingEvent {
	return core.OutgoingEvent{Kind: core.EventCustom, Key: key, ContextKey: "user-1"}
}

func keys(batch []core.OutgoingEvent) []string {
	out := make([]string, len(batch))
	for i, ev := range batch {
		out[i] = ev.Key
	}
	return out
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("BlockUntilContext() error = %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{name: "zero capacity", edit: func(c *Config) { c.Capacity = 0 }},
		{name: "negative flush interval", edit: func(c *Config) { c.FlushInterval = -time.Second }},
		{name: "negative retries", edit: func(c *Config) { c.MaxRetries = -1 }},
		{name: "bad retry policy", edit: func(c *Config) { c.Retry.Jitter = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			if _, err := New(&fakeSender{}, cfg); !errors.Is(err, core.ErrInvalidConfig) {
				t.Fatalf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestOverflowDropsOldestAndFlushKeepsOrder(t *testing.T) {
	sender := &fakeSender{}
	rec := &fakeRecorder{}
	r, _ := newTestReporter(t, sender, testConfig(5), WithRecorder(rec))

	for i := 1; i <= 7; i++ {
		r.Record(event(fmt.Sprintf("e%d", i)))
	}
	if st := r.Stats(); st.Queued != 5 || st.Dropped != 2 {
		t.Fatalf("stats = %+v, want 5 queued and 2 dropped", st)
	}

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	batches := sender.delivered()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	want := []string{"e3", "e4", "e5", "e6", "e7"}
	got := keys(batches[0])
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered = %v, want %v", got, want)
		}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.dropped[DropOverflow] != 2 || rec.delivered != 5 || rec.depth != 0 {
		t.Fatalf("recorder = %+v", rec)
	}
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	sender := &fakeSender{}
	r, clock := newTestReporter(t, sender, testConfig(5))

	r.Record(event("a"))
	r.Record(core.OutgoingEvent{ID: "fixed", Key: "b", Timestamp: time.Unix(1, 0)})
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	batch := sender.delivered()[0]
	if batch[0].ID == "" || !batch[0].Timestamp.Equal(clock.Now()) {
		t.Fatalf("event a = %+v, want generated id and clock timestamp", batch[0])
	}
	if batch[1].ID != "fixed" || !batch[1].Timestamp.Equal(time.Unix(1, 0)) {
		t.Fatalf("event b = %+v, want caller id and timestamp kept", batch[1])
	}
}

func TestFlushEmptyQueueSendsNothing(t *testing.T) {
	sender := &fakeSender{}
	r, _ := newTestReporter(t, sender, testConfig(5))
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if sender.callCount() != 0 {
		t.Fatalf("SendEvents calls = %d, want 0", sender.callCount())
	}
}

func TestRecordDuringFlushStaysQueued(t *testing.T) {
	sender := &fakeSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r, _ := newTestReporter(t, sender, testConfig(10))

	r.Record(event("a"))
	r.Record(event("b"))

	errc := make(chan error, 1)
	go func() { errc <- r.Flush(context.Background()) }()
	<-sender.entered

	r.Record(event("c"))
	close(sender.release)
	if err := <-errc; err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if got := keys(sender.delivered()[0]); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("first flush delivered %v, want [a b]", got)
	}
	if st := r.Stats(); st.Queued != 1 || st.Delivered != 2 {
		t.Fatalf("stats = %+v, want c still queued", st)
	}

	sender.entered = nil
	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}
	if got := keys(sender.delivered()[1]); len(got) != 1 || got[0] != "c" {
		t.Fatalf("second flush delivered %v, want [c]", got)
	}
}

func TestOverflowDuringFlushDoesNotDropNewEvents(t *testing.T) {
	sender := &fakeSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	rec := &fakeRecorder{}
	r, _ := newTestReporter(t, sender, testConfig(2), WithRecorder(rec))

	r.Record(event("a"))
	r.Record(event("b"))

	errc := make(chan error, 1)
	go func() { errc <- r.Flush(context.Background()) }()
	<-sender.entered

	// Overflow pushes a and b out while they are in flight.
	r.Record(event("c"))
	r.Record(event("d"))
	close(sender.release)
	if err := <-errc; err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	st := r.Stats()
	if st.Queued != 2 {
		t.Fatalf("stats = %+v, want c and d still queued", st)
	}
	if st.Delivered != 2 || st.Dropped != 0 {
		t.Fatalf("stats = %+v, want a and b counted as delivered, none dropped", st)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.delivered != 2 || rec.dropped[DropOverflow] != 0 {
		t.Fatalf("recorder delivered = %d, overflow drops = %d; want 2, 0", rec.delivered, rec.dropped[DropOverflow])
	}
}

func TestOverflowDuringCancelledFlushCountsAsDropped(t *testing.T) {
	sender := &fakeSender{err: errors.New("503")}
	r, clock := newTestReporter(t, sender, testConfig(2))

	r.Record(event("a"))
	r.Record(event("b"))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Flush(ctx) }()
	blockUntil(t, clock, 1)

	r.Record(event("c"))
	r.Record(event("d"))
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Flush() error = %v, want context.Canceled", err)
	}

	st := r.Stats()
	if st.Queued != 2 || st.Dropped != 2 || st.Delivered != 0 {
		t.Fatalf("stats = %+v, want 2 queued, 2 dropped, 0 delivered", st)
	}
}

func TestFlushRetriesThenDropsBatch(t *testing.T) {
	sender := &fakeSender{err: errors.New("503")}
	rec := &fakeRecorder{}
	var (
		mu          sync.Mutex
		failedCount int
	)
	r, clock := newTestReporter(t, sender, testConfig(5),
		WithRecorder(rec),
		WithOnDeliveryFailure(func(n int, err error) {
			mu.Lock()
			defer mu.Unlock()
			failedCount = n
		}),
	)
	r.Record(event("a"))
	r.Record(event("b"))

	errc := make(chan error, 1)
	go func() { errc <- r.Flush(context.Background()) }()

	// Two retries: 1s then 2s.
	blockUntil(t, clock, 1)
	clock.Advance(time.Second)
	blockUntil(t, clock, 1)
	if st := r.Stats(); st.Queued != 2 {
		t.Fatalf("stats mid-retry = %+v, want batch still queued", st)
	}
	clock.Advance(2 * time.Second)

	err := <-errc
	if !errors.Is(err, core.ErrReportDelivery) {
		t.Fatalf("Flush() error = %v, want ErrReportDelivery", err)
	}
	if sender.callCount() != 3 {
		t.Fatalf("SendEvents calls = %d, want 3", sender.callCount())
	}
	if st := r.Stats(); st.Queued != 0 || st.Failed != 2 {
		t.Fatalf("stats = %+v, want batch dropped", st)
	}

	mu.Lock()
	defer mu.Unlock()
	if failedCount != 2 {
		t.Fatalf("failure callback count = %d, want 2", failedCount)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.dropped[DropDelivery] != 2 {
		t.Fatalf("delivery drops = %d, want 2", rec.dropped[DropDelivery])
	}
}

func TestFlushRecoversOnRetry(t *testing.T) {
	sender := &fakeSender{err: errors.New("503")}
	r, clock := newTestReporter(t, sender, testConfig(5))
	r.Record(event("a"))

	errc := make(chan error, 1)
	go func() { errc <- r.Flush(context.Background()) }()

	blockUntil(t, clock, 1)
	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	clock.Advance(time.Second)

	if err := <-errc; err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if st := r.Stats(); st.Queued != 0 || st.Delivered != 1 {
		t.Fatalf("stats = %+v, want one delivered", st)
	}
}

func TestFlushCancelledDuringRetryKeepsBatch(t *testing.T) {
	sender := &fakeSender{err: errors.New("503")}
	r, clock := newTestReporter(t, sender, testConfig(5))
	r.Record(event("a"))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Flush(ctx) }()

	blockUntil(t, clock, 1)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Flush() error = %v, want context.Canceled", err)
	}
	if st := r.Stats(); st.Queued != 1 {
		t.Fatalf("stats = %+v, want batch kept", st)
	}
}

func TestRecordNeverBlocksOnSlowSender(t *testing.T) {
	sender := &fakeSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r, _ := newTestReporter(t, sender, testConfig(3))
	r.Record(event("first"))

	go func() { _ = r.Flush(context.Background()) }()
	<-sender.entered
	defer close(sender.release)

	done := make(chan struct{})
	go func() {
		for i := range 100 {
			r.Record(event(fmt.Sprintf("e%d", i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked while a flush was in flight")
	}
	if st := r.Stats(); st.Queued > 3 {
		t.Fatalf("queued = %d, want <= capacity", st.Queued)
	}
}

func TestConfigure(t *testing.T) {
	r, _ := newTestReporter(t, &fakeSender{}, testConfig(5))
	for i := range 5 {
		r.Record(event(fmt.Sprintf("e%d", i)))
	}

	if err := r.Configure(0, time.Second); !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("Configure(0) error = %v, want ErrInvalidConfig", err)
	}
	if err := r.Configure(2, 0); !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("Configure(interval 0) error = %v, want ErrInvalidConfig", err)
	}
	if err := r.Configure(2, time.Second); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if st := r.Stats(); st.Queued != 2 || st.Dropped != 3 {
		t.Fatalf("stats = %+v, want shrink to 2", st)
	}
}

func TestStartFlushesOnInterval(t *testing.T) {
	sender := &fakeSender{}
	r, clock := newTestReporter(t, sender, testConfig(5))
	r.Start(context.Background())
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	r.Record(event("a"))
	blockUntil(t, clock, 1)
	clock.Advance(10 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.delivered()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for periodic flush")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCloseFlushesAndDiscardsLaterEvents(t *testing.T) {
	sender := &fakeSender{}
	r, _ := newTestReporter(t, sender, testConfig(5))
	r.Start(context.Background())

	r.Record(event("a"))
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := sender.delivered(); len(got) != 1 || got[0][0].Key != "a" {
		t.Fatalf("delivered = %v, want final flush of a", got)
	}

	r.Record(event("late"))
	if st := r.Stats(); st.Queued != 0 {
		t.Fatalf("queued after Close = %d, want 0", st.Queued)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRecordDuringFinalFlushIsDiscarded(t *testing.T) {
	sender := &fakeSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r, _ := newTestReporter(t, sender, testConfig(5))

	r.Record(event("a"))
	errc := make(chan error, 1)
	go func() { errc <- r.Close(context.Background()) }()
	<-sender.entered

	r.Record(event("late"))
	close(sender.release)
	if err := <-errc; err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if st := r.Stats(); st.Queued != 0 {
		t.Fatalf("queued after Close = %d, want 0", st.Queued)
	}
	if got := sender.delivered(); len(got) != 1 || len(got[0]) != 1 || got[0][0].Key != "a" {
		t.Fatalf("delivered = %v, want only a", got)
	}
}
