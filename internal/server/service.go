package server

import (
	"context"
	"time"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/service"
)

// Service is the part of the SDK the agent exposes over HTTP.
type Service interface {
	AllFlags() core.Snapshot
	Flag(key string) (core.Flag, bool)
	Variation(key string, def core.Value) core.Value
	Identify(ctx context.Context, user core.User) error
	Track(key string, data map[string]any)
	Flush(ctx context.Context) error
	SetMode(mode core.Mode) error
	Configure(maxCachedValues, eventQueueCapacity int, eventFlushInterval time.Duration) error
	Status() service.Status
}

var _ Service = (*service.Service)(nil)
