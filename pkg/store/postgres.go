package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const postgresChannel = "call_sessions_changed"

var postgresDialect = dialect{
	name:         "postgres",
	numbered:     true,
	nextRevision: "SELECT nextval('call_sessions_revision_seq')",
	schema: []string{
		`CREATE SEQUENCE IF NOT EXISTS call_sessions_revision_seq`,
		`CREATE TABLE IF NOT EXISTS call_sessions (
			room_id          TEXT PRIMARY KEY,
			caller_id        TEXT NOT NULL,
			callee_id        TEXT NOT NULL,
			status           TEXT NOT NULL,
			started_at       BIGINT,
			ended_at         BIGINT,
			created_at       BIGINT NOT NULL,
			updated_at       BIGINT NOT NULL,
			revision         BIGINT NOT NULL,
			created_revision BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS call_sessions_revision ON call_sessions (revision)`,
		`CREATE INDEX IF NOT EXISTS call_sessions_callee ON call_sessions (callee_id, status)`,
		`CREATE OR REPLACE FUNCTION call_sessions_notify() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('` + postgresChannel + `', NEW.room_id);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS call_sessions_notify ON call_sessions`,
		`CREATE TRIGGER call_sessions_notify AFTER INSERT OR UPDATE ON call_sessions
			FOR EACH ROW EXECUTE PROCEDURE call_sessions_notify()`,
	},
}

// Opens (and migrates) a postgres database. Changes made by any client are pushed to the change feeds
// with LISTEN/NOTIFY; the periodic poll only covers notifications lost during reconnects.
func OpenPostgres(dsn string, pollInterval time.Duration) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store, err := newSQLStore(db, postgresDialect, pollInterval)
	if err != nil {
		db.Close()
		return nil, err
	}

	listener := pq.NewListener(dsn, time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			store.logger.WithError(err).Warn("postgres listener problem")
		}
		// Anything could have happened while we were disconnected.
		if event == pq.ListenerEventReconnected {
			store.pulse()
		}
	})

	if err := listener.Listen(postgresChannel); err != nil {
		listener.Close()
		store.Close()
		return nil, fmt.Errorf("failed to listen for changes: %w", err)
	}

	go func() {
		for range listener.Notify {
			store.pulse()
		}
	}()

	store.closers = append(store.closers, listener.Close)
	return store, nil
}
