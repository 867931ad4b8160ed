package core

import "context"

// Streamer opens a push connection for one user context. Implementations
// must send a SyncTransportError event before closing the channel on
// failure; the channel is closed without an error event when ctx ends.
type Streamer interface {
	ConnectStream(ctx context.Context, user User) (<-chan SyncEvent, error)
}

// Poller fetches the complete current flag set for one user context.
type Poller interface {
	Poll(ctx context.Context, user User) (Snapshot, error)
}

// EventSender delivers a batch of usage events. A nil error acknowledges
// the whole batch.
type EventSender interface {
	SendEvents(ctx context.Context, batch []OutgoingEvent) error
}

type Transport interface {
	Streamer
	Poller
	EventSender
}

// KVStore is the durable byte store behind the flag cache. Failures are
// treated as non-fatal by callers.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}
