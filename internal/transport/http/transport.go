// Package http implements core.Transport over plain HTTP: JSON polling,
// server-sent events for streaming and batched event delivery.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/logging"
)

const (
	evaluatePath = "/v1/sdk/evaluate"
	streamPath   = "/v1/sdk/stream"
	eventsPath   = "/v1/sdk/events"

	payloadIDHeader = "X-Payload-ID"
	maxSSELine      = 1 << 20
	streamBuffer    = 16
)

// Config holds configuration for the HTTP transport.
type Config struct {
	// BaseURL is the flag service root, e.g. "https://flags.example.com".
	BaseURL string
	// ClientKey is sent as a bearer token on every request.
	ClientKey string
	// HTTPClient is optional; defaults to a client with an otelhttp transport.
	// Streaming requests rely on ctx for their lifetime, so the client should
	// not set a Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Transport implements core.Transport over HTTP.
type Transport struct {
	baseURL    string
	clientKey  string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config) (*Transport, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, core.InvalidConfig("base url %q is not an absolute url", cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.ClientKey) == "" {
		return nil, core.InvalidConfig("client key is required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Transport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		clientKey:  cfg.ClientKey,
		httpClient: hc,
		logger:     logging.OrDefault(cfg.Logger).With("component", "http_transport"),
	}, nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagsync: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- wire types --------------------------------------------------------------

type wireFlag struct {
	Value     core.Value `json:"value"`
	Version   int        `json:"version"`
	Variation int        `json:"variation"`
}

type wireEvaluateReq struct {
	Context core.User `json:"context"`
}

type wireFlagSet struct {
	Flags map[string]wireFlag `json:"flags"`
}

type wirePatch struct {
	Key       string     `json:"key"`
	Value     core.Value `json:"value"`
	Version   int        `json:"version"`
	Variation int        `json:"variation"`
}

type wireDelete struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
}

func (s wireFlagSet) snapshot() core.Snapshot {
	snap := make(core.Snapshot, len(s.Flags))
	for key, wf := range s.Flags {
		snap[key] = core.Flag{Key: key, Value: wf.Value, Version: wf.Version, Variation: wf.Variation}
	}
	return snap
}

// -- helpers -----------------------------------------------------------------

func (t *Transport) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.clientKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and maps network failures and error statuses to
// core.ErrTransport.
func (t *Transport) do(req *http.Request) (*http.Response, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", core.ErrTransport, req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %w", core.ErrTransport, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))})
	}
	return resp, nil
}

// -- Poller ------------------------------------------------------------------

func (t *Transport) Poll(ctx context.Context, user core.User) (core.Snapshot, error) {
	req, err := t.newRequest(ctx, http.MethodPost, evaluatePath, wireEvaluateReq{Context: user})
	if err != nil {
		return nil, err
	}
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out wireFlagSet
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode evaluate response: %w", core.ErrTransport, err)
	}
	return out.snapshot(), nil
}

// -- EventSender -------------------------------------------------------------

// SendEvents posts batch as a JSON array. Each call carries a fresh payload
// id so the server can drop duplicate deliveries.
func (t *Transport) SendEvents(ctx context.Context, batch []core.OutgoingEvent) error {
	req, err := t.newRequest(ctx, http.MethodPost, eventsPath, batch)
	if err != nil {
		return err
	}
	req.Header.Set(payloadIDHeader, uuid.NewString())

	resp, err := t.do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// -- Streamer ----------------------------------------------------------------

// ConnectStream opens the SSE stream for user. Decoded events are sent on the
// returned channel, which is closed when ctx ends or the connection drops.
// A dropped connection or an undecodable event is reported as a
// core.SyncTransportError event before the channel closes.
func (t *Transport) ConnectStream(ctx context.Context, user core.User) (<-chan core.SyncEvent, error) {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	path := streamPath + "?context=" + base64.RawURLEncoding.EncodeToString(userJSON)

	req, err := t.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan core.SyncEvent, streamBuffer)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		br := bufio.NewReaderSize(resp.Body, maxSSELine)
		err := parseSSE(ctx, br, ch)
		if err == nil || ctx.Err() != nil {
			return
		}
		t.logger.Debug("stream ended", "error", err)
		select {
		case ch <- core.TransportErrorEvent(err):
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

var errStreamClosed = errors.New("stream closed by server")

// parseSSE reads SSE lines from r and sends decoded events to ch.
// It implements the subset of the SSE format used by the flag service:
// event and data fields, blank-line dispatch and multi-line data
// concatenation. It returns nil only when ctx ends.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- core.SyncEvent) error {
	var (
		eventType string
		dataLines []string
	)

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, readErr := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if eventType != "" || len(dataLines) > 0 {
				ev, err := decodeEvent(eventType, strings.Join(dataLines, "\n"))
				if err != nil {
					return err
				}
				if ev.Kind != 0 {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return nil
					}
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			// Comment line, used by some proxies as keep-alive.
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if readErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(readErr, io.EOF) {
				return fmt.Errorf("%w: %w", core.ErrTransport, errStreamClosed)
			}
			return fmt.Errorf("%w: read stream: %w", core.ErrTransport, readErr)
		}
	}
}

// decodeEvent maps one SSE event to a SyncEvent. Unknown event types yield a
// zero SyncEvent and are skipped.
func decodeEvent(eventType, data string) (core.SyncEvent, error) {
	switch eventType {
	case "put":
		var set wireFlagSet
		if err := json.Unmarshal([]byte(data), &set); err != nil {
			return core.SyncEvent{}, fmt.Errorf("%w: decode put event: %w", core.ErrTransport, err)
		}
		return core.FullSnapshotEvent(set.snapshot()), nil
	case "patch":
		var p wirePatch
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return core.SyncEvent{}, fmt.Errorf("%w: decode patch event: %w", core.ErrTransport, err)
		}
		if p.Key == "" {
			return core.SyncEvent{}, fmt.Errorf("%w: patch event without key", core.ErrTransport)
		}
		return core.DeltaEvent(core.Flag{Key: p.Key, Value: p.Value, Version: p.Version, Variation: p.Variation}), nil
	case "delete":
		var d wireDelete
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return core.SyncEvent{}, fmt.Errorf("%w: decode delete event: %w", core.ErrTransport, err)
		}
		if d.Key == "" {
			return core.SyncEvent{}, fmt.Errorf("%w: delete event without key", core.ErrTransport)
		}
		return core.DeltaEvent(core.Flag{Key: d.Key, Version: d.Version, Deleted: true}), nil
	case "ping":
		return core.SyncEvent{Kind: core.SyncHeartbeat}, nil
	case "reconnect":
		return core.SyncEvent{Kind: core.SyncReconnect}, nil
	default:
		return core.SyncEvent{}, nil
	}
}

var _ core.Transport = (*Transport)(nil)
