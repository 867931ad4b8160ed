package core

import (
	"time"
)

type Mode string

const (
	ModeStream Mode = "stream"
	ModePoll   Mode = "poll"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStream, ModePoll:
		return Mode(s), nil
	default:
		return "", InvalidConfig("streaming mode %q is not one of stream, poll", s)
	}
}

// Flag is a single server-evaluated flag as seen by one user context.
// A Deleted flag is a versioned tombstone: it hides the key from reads while
// keeping its version so that older updates cannot bring it back.
type Flag struct {
	Key       string `json:"key"`
	Value     Value  `json:"value"`
	Version   int    `json:"version"`
	Variation int    `json:"variation"`
	Deleted   bool   `json:"deleted,omitempty"`
}

type Snapshot map[string]Flag

func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Live returns the snapshot without tombstones.
func (s Snapshot) Live() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		if !v.Deleted {
			out[k] = v
		}
	}
	return out
}

type User struct {
	Key        string         `json:"key"`
	Anonymous  bool           `json:"anonymous,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// CacheKey identifies the user's snapshot in the flag cache.
func (u User) CacheKey() string {
	return u.Key
}

type SyncEventKind int

const (
	SyncFullSnapshot SyncEventKind = iota + 1
	SyncDelta
	SyncHeartbeat
	SyncTransportError
	SyncReconnect
)

func (k SyncEventKind) String() string {
	switch k {
	case SyncFullSnapshot:
		return "full_snapshot"
	case SyncDelta:
		return "delta"
	case SyncHeartbeat:
		return "heartbeat"
	case SyncTransportError:
		return "transport_error"
	case SyncReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// SyncEvent is an already-decoded update produced by a Transport.
type SyncEvent struct {
	Kind     SyncEventKind
	Snapshot Snapshot // SyncFullSnapshot
	Flag     Flag     // SyncDelta; Flag.Deleted for tombstones
	Err      error    // SyncTransportError
}

func FullSnapshotEvent(s Snapshot) SyncEvent {
	return SyncEvent{Kind: SyncFullSnapshot, Snapshot: s}
}

func DeltaEvent(f Flag) SyncEvent {
	return SyncEvent{Kind: SyncDelta, Flag: f}
}

func TransportErrorEvent(err error) SyncEvent {
	return SyncEvent{Kind: SyncTransportError, Err: err}
}

type EventKind string

const (
	EventEvaluation EventKind = "evaluation"
	EventIdentify   EventKind = "identify"
	EventCustom     EventKind = "custom"
)

// OutgoingEvent is a usage event waiting to be delivered by the reporter.
type OutgoingEvent struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	Key        string         `json:"key,omitempty"`
	ContextKey string         `json:"context_key"`
	Value      *Value         `json:"value,omitempty"`
	Default    *Value         `json:"default,omitempty"`
	Version    int            `json:"version,omitempty"`
	Variation  int            `json:"variation,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
