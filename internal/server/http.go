// Package server exposes a running flagsync service over a small local HTTP
// API so that processes without an SDK can read flags from the agent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/middleware"
)

const maxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// RequestObserver records one served request. *metrics.Metrics satisfies it.
type RequestObserver interface {
	ObserveHTTPRequest(method, route string, status int, d time.Duration)
}

type Option func(*HTTPServer)

// WithAuth guards every /v1/ route with the given middleware.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(s *HTTPServer) {
		if mw != nil {
			s.auth = mw
		}
	}
}

// WithMetrics serves h on GET /metrics and reports each request to obs.
func WithMetrics(h http.Handler, obs RequestObserver) Option {
	return func(s *HTTPServer) {
		s.metricsHandler = h
		s.observer = obs
	}
}

// WithRequestLogging wraps the handler in the given logging middleware.
func WithRequestLogging(mw func(http.Handler) http.Handler) Option {
	return func(s *HTTPServer) { s.logging = mw }
}

type HTTPServer struct {
	service        Service
	auth           func(http.Handler) http.Handler
	logging        func(http.Handler) http.Handler
	metricsHandler http.Handler
	observer       RequestObserver
}

type evaluateJSONRequest struct {
	Key     string     `json:"key"`
	Default core.Value `json:"default"`
}

type evaluateJSONResponse struct {
	Key   string     `json:"key"`
	Value core.Value `json:"value"`
}

type trackJSONRequest struct {
	Key  string         `json:"key"`
	Data map[string]any `json:"data,omitempty"`
}

type modeJSONRequest struct {
	Mode string `json:"mode"`
}

type configJSONRequest struct {
	MaxCachedValues    int    `json:"max_cached_values"`
	EventQueueCapacity int    `json:"event_queue_capacity"`
	EventFlushInterval string `json:"event_flush_interval"`
}

func NewHTTPHandler(svc Service, opts ...Option) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service: svc,
		auth:    func(next http.Handler) http.Handler { return next },
	}
	for _, o := range opts {
		o(server)
	}

	v1 := func(h http.HandlerFunc) http.Handler { return server.auth(h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	if server.metricsHandler != nil {
		mux.Handle("GET /metrics", server.metricsHandler)
	}
	mux.Handle("GET /v1/flags", v1(server.handleListFlags))
	mux.Handle("GET /v1/flags/{key}", v1(server.handleGetFlag))
	mux.Handle("POST /v1/evaluate", v1(server.handleEvaluate))
	mux.Handle("POST /v1/identify", v1(server.handleIdentify))
	mux.Handle("POST /v1/track", v1(server.handleTrack))
	mux.Handle("POST /v1/flush", v1(server.handleFlush))
	mux.Handle("PUT /v1/mode", v1(server.handleSetMode))
	mux.Handle("PUT /v1/config", v1(server.handleConfigure))
	mux.Handle("GET /v1/status", v1(server.handleStatus))

	var h http.Handler = mux
	if server.observer != nil {
		h = server.withMetrics(mux)
	}
	if server.logging != nil {
		h = server.logging(h)
	}
	return h
}

// withMetrics must wrap the mux directly: the route label comes from the
// Pattern the mux sets on the request it is handed.
func (s *HTTPServer) withMetrics(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		mux.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		} else if _, path, ok := strings.Cut(route, " "); ok {
			route = path
		}
		s.observer.ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.AllFlags())
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	flag, ok := s.service.Flag(key)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	key := strings.TrimSpace(request.Key)
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{
		Key:   key,
		Value: s.service.Variation(key, request.Default),
	})
}

func (s *HTTPServer) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var user core.User
	if err := decodeJSONBody(w, r, &user); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if err := s.service.Identify(r.Context(), user); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	var request trackJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.Key) == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return
	}

	s.service.Track(request.Key, request.Data)
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Flush(r.Context()); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var request modeJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	mode, err := core.ParseMode(request.Mode)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := s.service.SetMode(mode); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var request configJSONRequest
	if err := decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	interval, err := time.ParseDuration(strings.TrimSpace(request.EventFlushInterval))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid event_flush_interval")
		return
	}
	if err := s.service.Configure(request.MaxCachedValues, request.EventQueueCapacity, interval); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrReportDelivery), errors.Is(err, core.ErrTransport):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		middleware.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "agent request failed", slog.Any("error", err))
	}
	writeJSONError(w, status, serviceErrorMessage(err))
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidConfig):
		return err.Error()
	case errors.Is(err, core.ErrStopped):
		return "service stopped"
	case errors.Is(err, core.ErrReportDelivery):
		return "event delivery failed"
	case errors.Is(err, core.ErrTransport):
		return "flag service unreachable"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
