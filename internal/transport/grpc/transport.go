// Package grpc implements core.Transport over gRPC using a JSON codec, so no
// generated protobuf code is needed on either side.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/logging"
	"github.com/matt-riley/flagsync/internal/middleware"
)

const streamBuffer = 16

var errStreamClosed = errors.New("stream closed by server")

// Config holds configuration for the gRPC transport.
type Config struct {
	// Address is the host:port of the flag service, e.g. "localhost:9090".
	Address string
	// ClientKey is sent as a bearer token in outgoing metadata.
	ClientKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
	Logger   *slog.Logger
}

// Transport implements core.Transport over gRPC.
type Transport struct {
	clientKey string
	conn      *grpc.ClientConn
	logger    *slog.Logger
}

// New creates the client connection. grpc.NewClient does not dial, so an
// unreachable address surfaces on the first call rather than here.
func New(cfg Config) (*Transport, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, core.InvalidConfig("grpc address is required")
	}
	if strings.TrimSpace(cfg.ClientKey) == "" {
		return nil, core.InvalidConfig("client key is required")
	}
	logger := logging.OrDefault(cfg.Logger).With("component", "grpc_transport")

	opts := []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(middleware.UnaryClientLoggingInterceptor(logger)),
		grpc.WithChainStreamInterceptor(middleware.StreamClientLoggingInterceptor(logger)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, core.InvalidConfig("grpc client for %q: %v", cfg.Address, err)
	}
	return &Transport{clientKey: cfg.ClientKey, conn: conn, logger: logger}, nil
}

// Close closes the underlying gRPC connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (t *Transport) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+t.clientKey)
}

func (t *Transport) Poll(ctx context.Context, user core.User) (core.Snapshot, error) {
	var resp EvaluateResponse
	if err := t.conn.Invoke(t.authCtx(ctx), evaluateMethod, &EvaluateRequest{Context: user}, &resp); err != nil {
		return nil, fmt.Errorf("%w: Evaluate: %w", core.ErrTransport, err)
	}
	return toSnapshot(resp.Flags), nil
}

func (t *Transport) SendEvents(ctx context.Context, batch []core.OutgoingEvent) error {
	req := &SendEventsRequest{PayloadID: uuid.NewString(), Events: batch}
	var resp SendEventsResponse
	if err := t.conn.Invoke(t.authCtx(ctx), sendEventsMethod, req, &resp); err != nil {
		return fmt.Errorf("%w: SendEvents: %w", core.ErrTransport, err)
	}
	return nil
}

// ConnectStream opens the server stream for user and emits decoded events on
// the returned channel. The channel is closed when ctx ends or the stream
// fails; failures are reported as a core.SyncTransportError event first.
func (t *Transport) ConnectStream(ctx context.Context, user core.User) (<-chan core.SyncEvent, error) {
	desc := &grpc.StreamDesc{StreamName: "Stream", ServerStreams: true}
	stream, err := t.conn.NewStream(t.authCtx(ctx), desc, streamMethod)
	if err != nil {
		return nil, fmt.Errorf("%w: Stream: %w", core.ErrTransport, err)
	}
	if err := stream.SendMsg(&StreamRequest{Context: user}); err != nil {
		return nil, fmt.Errorf("%w: Stream: send request: %w", core.ErrTransport, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("%w: Stream: close send: %w", core.ErrTransport, err)
	}

	ch := make(chan core.SyncEvent, streamBuffer)
	go func() {
		defer close(ch)
		err := t.recvLoop(ctx, stream, ch)
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

// recvLoop returns nil only when ctx ends.
func (t *Transport) recvLoop(ctx context.Context, stream grpc.ClientStream, ch chan<- core.SyncEvent) error {
	for {
		var msg StreamMessage
		if err := stream.RecvMsg(&msg); err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: %w", core.ErrTransport, errStreamClosed)
			}
			return fmt.Errorf("%w: Stream: %w", core.ErrTransport, err)
		}

		ev, err := decodeMessage(&msg)
		if err != nil {
			return err
		}
		if ev.Kind == 0 {
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// decodeMessage maps a stream message to a SyncEvent. Unknown types yield a
// zero SyncEvent and are skipped.
func decodeMessage(msg *StreamMessage) (core.SyncEvent, error) {
	switch msg.Type {
	case MessagePut:
		return core.FullSnapshotEvent(toSnapshot(msg.Flags)), nil
	case MessagePatch:
		if msg.Key == "" || msg.Flag == nil {
			return core.SyncEvent{}, fmt.Errorf("%w: patch message without key or flag", core.ErrTransport)
		}
		return core.DeltaEvent(core.Flag{
			Key:       msg.Key,
			Value:     msg.Flag.Value,
			Version:   msg.Flag.Version,
			Variation: msg.Flag.Variation,
		}), nil
	case MessageDelete:
		if msg.Key == "" {
			return core.SyncEvent{}, fmt.Errorf("%w: delete message without key", core.ErrTransport)
		}
		f := core.Flag{Key: msg.Key, Deleted: true}
		if msg.Flag != nil {
			f.Version = msg.Flag.Version
		}
		return core.DeltaEvent(f), nil
	case MessagePing:
		return core.SyncEvent{Kind: core.SyncHeartbeat}, nil
	case MessageReconnect:
		return core.SyncEvent{Kind: core.SyncReconnect}, nil
	default:
		return core.SyncEvent{}, nil
	}
}

var _ core.Transport = (*Transport)(nil)
