package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type throttledHandler struct {
	next       slog.Handler
	limiter    *rate.Limiter
	suppressed *atomic.Uint64
}

// Throttled wraps l so that at most burst records are emitted per every
// interval. Records over the limit are dropped and counted; the count is
// attached as "suppressed" to the next record that gets through.
//
// Used for high-frequency anomaly logs such as stale version rejections.
func Throttled(l *slog.Logger, every time.Duration, burst int) *slog.Logger {
	l = OrDefault(l)
	return slog.New(&throttledHandler{
		next:       l.Handler(),
		limiter:    rate.NewLimiter(rate.Every(every), burst),
		suppressed: new(atomic.Uint64),
	})
}

func (h *throttledHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *throttledHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.limiter.Allow() {
		h.suppressed.Add(1)
		return nil
	}
	if n := h.suppressed.Swap(0); n > 0 {
		r.AddAttrs(slog.Uint64("suppressed", n))
	}
	return h.next.Handle(ctx, r)
}

func (h *throttledHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &throttledHandler{next: h.next.WithAttrs(attrs), limiter: h.limiter, suppressed: h.suppressed}
}

func (h *throttledHandler) WithGroup(name string) slog.Handler {
	return &throttledHandler{next: h.next.WithGroup(name), limiter: h.limiter, suppressed: h.suppressed}
}
