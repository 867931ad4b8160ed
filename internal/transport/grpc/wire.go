package grpc

import (
	"github.com/matt-riley/flagsync/internal/core"
)

const (
	serviceName = "flagsync.v1.FlagSync"

	evaluateMethod   = "/" + serviceName + "/Evaluate"
	streamMethod     = "/" + serviceName + "/Stream"
	sendEventsMethod = "/" + serviceName + "/SendEvents"
)

// Stream message types.
const (
	MessagePut       = "put"
	MessagePatch     = "patch"
	MessageDelete    = "delete"
	MessagePing      = "ping"
	MessageReconnect = "reconnect"
)

type WireFlag struct {
	Value     core.Value `json:"value"`
	Version   int        `json:"version"`
	Variation int        `json:"variation"`
}

type EvaluateRequest struct {
	Context core.User `json:"context"`
}

type EvaluateResponse struct {
	Flags map[string]WireFlag `json:"flags"`
}

type StreamRequest struct {
	Context core.User `json:"context"`
}

// StreamMessage is one server push. Flags is set for put, Key and Flag for
// patch, Key and Flag.Version for delete.
type StreamMessage struct {
	Type  string              `json:"type"`
	Flags map[string]WireFlag `json:"flags,omitempty"`
	Key   string              `json:"key,omitempty"`
	Flag  *WireFlag           `json:"flag,omitempty"`
}

type SendEventsRequest struct {
	PayloadID string               `json:"payload_id"`
	Events    []core.OutgoingEvent `json:"events"`
}

type SendEventsResponse struct {
	Accepted int `json:"accepted"`
}

func toSnapshot(flags map[string]WireFlag) core.Snapshot {
	snap := make(core.Snapshot, len(flags))
	for key, wf := range flags {
		snap[key] = core.Flag{Key: key, Value: wf.Value, Version: wf.Version, Variation: wf.Variation}
	}
	return snap
}

// FromSnapshot converts a snapshot into its wire form.
func FromSnapshot(snap core.Snapshot) map[string]WireFlag {
	out := make(map[string]WireFlag, len(snap))
	for key, f := range snap.Live() {
		out[key] = WireFlag{Value: f.Value, Version: f.Version, Variation: f.Variation}
	}
	return out
}
