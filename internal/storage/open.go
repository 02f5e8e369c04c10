package storage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/and161185/techstore/internal/storage/postgres"
	"github.com/and161185/techstore/internal/storage/redisstore"
)

// Drivers accepted by Open.
const (
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Options selects and configures the durable backend.
type Options struct {
	Driver    string
	Dir       string
	DSN       string
	RedisURL  string
	Namespace string
	// Seal encrypts slot values with a master key kept in Dir.
	Seal bool
}

// Open returns the durable store described by opts and a func releasing its resources.
func Open(ctx context.Context, opts Options) (Store, func(), error) {
	var (
		st      Store
		closeFn = func() {}
	)
	switch opts.Driver {
	case "", DriverFile:
		st = NewFileStore(opts.Dir)
	case DriverPostgres:
		db, err := postgres.New(ctx, opts.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		st = postgres.NewSlotStore(db, opts.Namespace)
		closeFn = db.Close
	case DriverRedis:
		rs, err := redisstore.Open(ctx, opts.RedisURL, opts.Namespace+":")
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		st = rs
		closeFn = func() { _ = rs.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}

	if opts.Seal {
		key, err := LoadOrCreateKey(filepath.Join(opts.Dir, "slots.key"))
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("load sealing key: %w", err)
		}
		sealed, err := NewSealed(st, key)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		st = sealed
	}
	return st, closeFn, nil
}
