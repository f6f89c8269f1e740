package storage

import (
	"context"
	"fmt"

	"github.com/samooth/twetch-go/types"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config selects and configures a store backend.
type Config struct {
	// Driver is one of memory, file, sqlite, postgres, redis. Defaults to memory.
	Driver string `yaml:"driver"`

	// Path is the file path for the file and sqlite drivers.
	Path string `yaml:"path"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`

	// Redis connection settings.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Open builds the store described by cfg.
func Open(ctx context.Context, cfg Config) (types.KeyValueStore, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverFile:
		return NewFileStore(cfg.Path)
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite store requires a path")
		}
		return OpenSQLite(ctx, cfg.Path)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store requires a dsn")
		}
		return OpenPostgres(ctx, cfg.DSN)
	case DriverRedis:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis store requires an addr")
		}
		return NewRedisStore(cfg.Addr, cfg.Password, cfg.DB, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
