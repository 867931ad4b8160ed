package http

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/matt-riley/flagsync/internal/core"
)

// runParseSSE runs the SSE parser on b and collects all emitted events.
func runParseSSE(b []byte) ([]core.SyncEvent, error) {
	ch := make(chan core.SyncEvent, 256)
	err := parseSSE(context.Background(), bufio.NewReaderSize(bytes.NewReader(b), maxSSELine), ch)
	close(ch)
	var evs []core.SyncEvent
	for e := range ch {
		evs = append(evs, e)
	}
	return evs, err
}

func TestParseSSEMultiLineData(t *testing.T) {
	input := "event: put\ndata: {\"flags\":\ndata: {\"a\":{\"value\":\"x\",\"version\":1}}}\n\n"
	evs, err := runParseSSE([]byte(input))
	if !errors.Is(err, errStreamClosed) {
		t.Fatalf("parseSSE() error = %v, want stream closed", err)
	}
	if len(evs) != 1 || evs[0].Kind != core.SyncFullSnapshot {
		t.Fatalf("events = %+v", evs)
	}
	if s, _ := evs[0].Snapshot["a"].Value.StringValue(); s != "x" {
		t.Fatalf("flag a = %v, want x", evs[0].Snapshot["a"].Value)
	}
}

func TestParseSSESkipsUnknownEvents(t *testing.T) {
	evs, _ := runParseSSE([]byte("event: something-new\ndata: {}\n\nevent: ping\r\n\r\n"))
	if len(evs) != 1 || evs[0].Kind != core.SyncHeartbeat {
		t.Fatalf("events = %+v, want one heartbeat", evs)
	}
}

func TestParseSSEStopsOnMalformedData(t *testing.T) {
	evs, err := runParseSSE([]byte("event: delete\ndata: []\n\nevent: ping\n\n"))
	if !errors.Is(err, core.ErrTransport) {
		t.Fatalf("parseSSE() error = %v, want ErrTransport", err)
	}
	if len(evs) != 0 {
		t.Fatalf("events = %+v, want none", evs)
	}
}

// FuzzParseSSE ensures the SSE parser never panics on arbitrary input and
// produces no more events than blank lines in the input.
func FuzzParseSSE(f *testing.F) {
	f.Add([]byte("event:put\ndata:{\"flags\":{}}\n\n"))
	f.Add([]byte("event:patch\ndata:{\"key\":\"x\",\"value\":1,\"version\":2}\n\n"))
	f.Add([]byte("event:delete\ndata:{\"key\":\"x\",\"version\":2}\n\n"))
	f.Add([]byte(":comment\nevent:ping\n\n"))
	f.Add([]byte("\n\n"))
	f.Add([]byte(""))
	f.Add([]byte(strings.Repeat("data:x\n", 1000) + "\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		evs, err := runParseSSE(data)
		if err == nil {
			t.Fatal("parseSSE() returned nil error on finite input")
		}
		blankLines := bytes.Count(data, []byte("\n"))
		if len(evs) > blankLines+1 {
			t.Errorf("got %d events from input with %d newlines", len(evs), blankLines)
		}
	})
}
