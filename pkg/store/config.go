package store

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownDriver = errors.New("unknown store driver")

// Configuration of the session record store.
type Config struct {
	// Either `sqlite` or `postgres`.
	Driver string `yaml:"driver"`
	// File path (`:memory:` for a throwaway database) for sqlite, connection string for postgres.
	DSN string `yaml:"dsn"`
	// How often the change feeds poll the database regardless of notifications (in milliseconds).
	PollInterval int `yaml:"pollInterval"`
}

// Opens the store described by the config.
func Open(config Config) (Store, error) {
	pollInterval := time.Duration(config.PollInterval) * time.Millisecond

	switch config.Driver {
	case "", "sqlite":
		return OpenSQLite(config.DSN, pollInterval)
	case "postgres":
		return OpenPostgres(config.DSN, pollInterval)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, config.Driver)
	}
}
