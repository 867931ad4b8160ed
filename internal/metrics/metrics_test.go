package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/flagsync/internal/cache"
	"github.com/matt-riley/flagsync/internal/reporter"
	"github.com/matt-riley/flagsync/internal/synchronizer"
)

var (
	_ cache.Recorder        = (*Metrics)(nil)
	_ synchronizer.Recorder = (*Metrics)(nil)
	_ reporter.Recorder     = (*Metrics)(nil)
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	m.StaleRejections.Inc()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestCacheRecorder(t *testing.T) {
	m := New()

	m.IncStaleRejections()
	m.IncStaleRejections()
	m.IncPersistenceErrors("set")
	m.IncEvictions()
	m.SetCachedContexts(4)

	if v := testutil.ToFloat64(m.StaleRejections); v != 2 {
		t.Fatalf("expected stale rejections 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.PersistenceErrors.WithLabelValues("set")); v != 1 {
		t.Fatalf("expected persistence errors 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.Evictions); v != 1 {
		t.Fatalf("expected evictions 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.CachedContexts); v != 4 {
		t.Fatalf("expected cached contexts 4, got %v", v)
	}
}

func TestSetSyncStateIsOneHot(t *testing.T) {
	m := New()

	m.SetSyncState("streaming")
	m.SetSyncState("backoff")

	for _, s := range syncStates {
		want := 0.0
		if s == "backoff" {
			want = 1
		}
		if v := testutil.ToFloat64(m.SyncState.WithLabelValues(s)); v != want {
			t.Fatalf("sync state %s = %v, want %v", s, v, want)
		}
	}
}

func TestSynchronizerRecorder(t *testing.T) {
	m := New()

	m.IncTransportErrors("poll")
	m.IncTransportErrors("poll")
	m.IncSyncUpdates("delta")
	m.IncModeSwitches()
	m.ObserveRetryDelay(2 * time.Second)

	if v := testutil.ToFloat64(m.TransportErrors.WithLabelValues("poll")); v != 2 {
		t.Fatalf("expected poll errors 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.SyncUpdates.WithLabelValues("delta")); v != 1 {
		t.Fatalf("expected delta updates 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.ModeSwitches); v != 1 {
		t.Fatalf("expected mode switches 1, got %v", v)
	}
	if n := testutil.CollectAndCount(m.RetryDelay); n != 1 {
		t.Fatalf("expected 1 retry delay series, got %d", n)
	}
}

func TestReporterRecorder(t *testing.T) {
	m := New()

	m.IncEventsDropped("overflow", 2)
	m.AddEventsDelivered(5)
	m.SetQueueDepth(3)

	if v := testutil.ToFloat64(m.EventsDropped.WithLabelValues("overflow")); v != 2 {
		t.Fatalf("expected dropped 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.EventsDelivered); v != 5 {
		t.Fatalf("expected delivered 5, got %v", v)
	}
	if v := testutil.ToFloat64(m.EventQueueDepth); v != 3 {
		t.Fatalf("expected queue depth 3, got %v", v)
	}
}

func TestObserveHTTPRequest(t *testing.T) {
	m := New()

	m.ObserveHTTPRequest("GET", "/v1/flags", 200, 10*time.Millisecond)
	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/flags", "200")); v != 1 {
		t.Fatalf("expected 1 request, got %v", v)
	}
}

func TestUnaryClientInterceptor(t *testing.T) {
	m := New()
	intercept := m.UnaryClientInterceptor()

	invoker := func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
		return status.Error(codes.Unavailable, "down")
	}
	err := intercept(context.Background(), "/flagsync.v1.FlagSync/Evaluate", nil, nil, nil, invoker)
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("interceptor error = %v, want Unavailable", err)
	}
	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Evaluate", "Unavailable")); v != 1 {
		t.Fatalf("expected 1 Evaluate call, got %v", v)
	}
}

func TestStreamClientInterceptor(t *testing.T) {
	m := New()
	intercept := m.StreamClientInterceptor()

	streamer := func(context.Context, *grpc.StreamDesc, *grpc.ClientConn, string, ...grpc.CallOption) (grpc.ClientStream, error) {
		return nil, nil
	}
	if _, err := intercept(context.Background(), &grpc.StreamDesc{}, nil, "/flagsync.v1.FlagSync/Stream", streamer); err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Stream", "OK")); v != 1 {
		t.Fatalf("expected 1 Stream call, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.IncEvictions()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "flagsync_cache_evictions_total") {
		t.Fatal("expected response to contain flagsync_cache_evictions_total")
	}
}
