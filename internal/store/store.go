// Package store holds the persistence drivers behind thread.Store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"forkchat/internal/thread"
)

// Driver is a thread.Store that owns a connection or file handle.
type Driver interface {
	thread.Store
	Close() error
}

type Config struct {
	Driver    string
	Path      string
	RedisURL  string
	KeyPrefix string
}

// Open returns the driver named by cfg.Driver. An empty name means sqlite.
func Open(ctx context.Context, cfg Config) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "redis":
		return OpenRedis(ctx, cfg.RedisURL, cfg.KeyPrefix)
	case "file", "yaml":
		return OpenFile(cfg.Path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("empty id")
	}
	return nil
}
