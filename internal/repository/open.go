package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Supported storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Drivers lists every driver accepted by Open.
var Drivers = []string{DriverMemory, DriverFile, DriverSQLite, DriverPostgres, DriverRedis}

// Options selects and configures a storage backend.
type Options struct {
	Driver string
	// Path is the directory for the file driver and the database file for
	// sqlite (a directory is given "exectrack.db").
	Path string
	// DSN is the connection URL for postgres and redis.
	DSN string
	// Prefix is prepended to every Redis key.
	Prefix string
	// Retry wraps the backend in a RetryStore when MaxRetries > 0.
	Retry RetryPolicy
}

// Open builds the KeyValueStore described by opts.
func Open(ctx context.Context, opts Options) (KeyValueStore, error) {
	var (
		store KeyValueStore
		err   error
	)
	switch strings.ToLower(opts.Driver) {
	case DriverMemory, "":
		store = NewMemory()
	case DriverFile:
		store, err = NewFileStore(opts.Path)
	case DriverSQLite:
		path := opts.Path
		if path != ":memory:" && filepath.Ext(path) == "" {
			path = filepath.Join(path, "exectrack.db")
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		store, err = NewSQLiteStore(path)
	case DriverPostgres:
		store, err = NewPostgresStore(ctx, opts.DSN)
	case DriverRedis:
		store, err = NewRedisStore(opts.DSN, opts.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", opts.Driver, err)
	}
	if opts.Retry.MaxRetries > 0 {
		store = NewRetryStore(store, opts.Retry)
	}
	return store, nil
}
