//go:build integration

// Package integration runs the agent end to end: a gRPC flag service, the
// flagsync service persisting to PostgreSQL, and the agent HTTP API on top.
package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/grpc"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/metrics"
	"github.com/matt-riley/flagsync/internal/middleware"
	"github.com/matt-riley/flagsync/internal/retry"
	"github.com/matt-riley/flagsync/internal/server"
	"github.com/matt-riley/flagsync/internal/service"
	"github.com/matt-riley/flagsync/internal/storage"
	transportgrpc "github.com/matt-riley/flagsync/internal/transport/grpc"
	"github.com/matt-riley/flagsync/migrations"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "flagsync_it",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/flagsync_it?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}
	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}
	connStr := fmt.Sprintf("postgresql://test:test@%s:%s/flagsync_it?sslmode=disable", host, mappedPort.Port())

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer db.Close()
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, "."); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// flagServer is an in-process flag service. Stream sends the current flags
// and then relays whatever is pushed.
type flagServer struct {
	mu     sync.Mutex
	flags  map[string]transportgrpc.WireFlag
	pushes chan *transportgrpc.StreamMessage
	events []core.OutgoingEvent
}

func newFlagServer(flags map[string]transportgrpc.WireFlag) *flagServer {
	return &flagServer{flags: flags, pushes: make(chan *transportgrpc.StreamMessage, 8)}
}

func (s *flagServer) Evaluate(context.Context, *transportgrpc.EvaluateRequest) (*transportgrpc.EvaluateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &transportgrpc.EvaluateResponse{Flags: s.flags}, nil
}

func (s *flagServer) Stream(ctx context.Context, _ *transportgrpc.StreamRequest, send func(*transportgrpc.StreamMessage) error) error {
	s.mu.Lock()
	put := &transportgrpc.StreamMessage{Type: transportgrpc.MessagePut, Flags: s.flags}
	s.mu.Unlock()
	if err := send(put); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.pushes:
			if err := send(msg); err != nil {
				return err
			}
		}
	}
}

func (s *flagServer) SendEvents(_ context.Context, req *transportgrpc.SendEventsRequest) (*transportgrpc.SendEventsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, req.Events...)
	return &transportgrpc.SendEventsResponse{Accepted: len(req.Events)}, nil
}

func (s *flagServer) eventCount(kind core.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func startFlagServer(t *testing.T, srv *flagServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gs := grpc.NewServer()
	transportgrpc.RegisterFlagSyncServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return lis.Addr().String()
}

func serviceConfig(addr string) service.Config {
	cfg := service.DefaultConfig()
	cfg.Transport = service.TransportGRPC
	cfg.GRPCAddr = addr
	cfg.Mode = core.ModeStream
	cfg.Namespace = "it-" + strings.ReplaceAll(time.Now().Format("150405.000000"), ".", "")
	cfg.Retry = retry.Policy{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond}
	cfg.EventFlushInterval = time.Hour
	return cfg
}

func getJSON(t *testing.T, url, token string, dst any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAgentStreamsOverGRPCAndRestoresFromPostgres(t *testing.T) {
	ctx := context.Background()
	flagSrv := newFlagServer(map[string]transportgrpc.WireFlag{
		"new-ui": {Value: core.Bool(false), Version: 1},
	})
	addr := startFlagServer(t, flagSrv)
	cfg := serviceConfig(addr)
	store := storage.NewPostgresStore(testPool)
	m := metrics.New()

	svc, err := service.New(ctx, "sdk-key", cfg, core.User{Key: "user-1"},
		service.WithFactory(service.DefaultFactory{Store: store, Logger: logging.Nop(), Recorder: m}),
		service.WithLogger(logging.Nop()),
	)
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}

	auth := middleware.HTTPBearerAuthMiddleware(middleware.NewStaticToken("agent-token"))
	agent := httptest.NewServer(server.NewHTTPHandler(svc,
		server.WithAuth(auth),
		server.WithMetrics(m.Handler(), m),
	))
	t.Cleanup(agent.Close)

	var flag core.Flag
	eventually(t, func() bool {
		return getJSON(t, agent.URL+"/v1/flags/new-ui", "agent-token", &flag) == http.StatusOK
	})
	if flag.Version != 1 || !flag.Value.Equal(core.Bool(false)) {
		t.Fatalf("initial flag = %+v, want v1 false", flag)
	}

	flagSrv.pushes <- &transportgrpc.StreamMessage{
		Type: transportgrpc.MessagePatch,
		Key:  "new-ui",
		Flag: &transportgrpc.WireFlag{Value: core.Bool(true), Version: 2, Variation: 1},
	}
	eventually(t, func() bool {
		var f core.Flag
		getJSON(t, agent.URL+"/v1/flags/new-ui", "agent-token", &f)
		return f.Version == 2
	})

	if code := getJSON(t, agent.URL+"/v1/flags", "wrong", nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want %d", code, http.StatusUnauthorized)
	}

	resp, err := http.Post(agent.URL+"/v1/evaluate", "application/json", strings.NewReader(`{"key":"new-ui","default":false}`))
	if err != nil {
		t.Fatalf("POST /v1/evaluate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated evaluate status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if !svc.BoolVariation("new-ui", false) {
		t.Fatal("BoolVariation(new-ui) = false, want true")
	}
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := flagSrv.eventCount(core.EventEvaluation); n != 1 {
		t.Fatalf("delivered evaluation events = %d, want 1", n)
	}

	// Restart against an address nothing listens on: flags come from Postgres.
	offline := serviceConfig("127.0.0.1:1")
	offline.Namespace = cfg.Namespace
	restarted, err := service.New(ctx, "sdk-key", offline, core.User{Key: "user-1"},
		service.WithFactory(service.DefaultFactory{Store: store, Logger: logging.Nop()}),
		service.WithLogger(logging.Nop()),
	)
	if err != nil {
		t.Fatalf("restart service.New() error = %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = restarted.Close(closeCtx)
	})

	got, ok := restarted.Flag("new-ui")
	if !ok || got.Version != 2 || !got.Value.Equal(core.Bool(true)) {
		t.Fatalf("restored flag = %+v (ok=%v), want v2 true", got, ok)
	}
}
