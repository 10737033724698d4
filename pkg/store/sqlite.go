package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:         "sqlite",
	nextRevision: "SELECT COALESCE(MAX(revision), 0) + 1 FROM call_sessions",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS call_sessions (
			room_id          TEXT PRIMARY KEY,
			caller_id        TEXT NOT NULL,
			callee_id        TEXT NOT NULL,
			status           TEXT NOT NULL,
			started_at       INTEGER,
			ended_at         INTEGER,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL,
			revision         INTEGER NOT NULL,
			created_revision INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS call_sessions_revision ON call_sessions (revision)`,
		`CREATE INDEX IF NOT EXISTS call_sessions_callee ON call_sessions (callee_id, status)`,
	},
}

// Opens (and migrates) a sqlite database. `path` is either a file path or `:memory:`.
// For file databases, writes made by other processes are detected by watching the database
// directory, in addition to the periodic poll.
func OpenSQLite(path string, pollInterval time.Duration) (*SQLStore, error) {
	inMemory := path == ":memory:" || path == ""

	dsn := ":memory:"
	if !inMemory {
		// Write transactions take the lock upfront, so that two processes can't allocate the same revision.
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection serializes the writers of this process and keeps `:memory:` databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store, err := newSQLStore(db, sqliteDialect, pollInterval)
	if err != nil {
		db.Close()
		return nil, err
	}

	if inMemory {
		return store, nil
	}

	watcher, err := watchDatabaseFile(store, path)
	if err != nil {
		store.logger.WithError(err).Warn("can't watch database file, relying on polling")
		return store, nil
	}

	store.closers = append(store.closers, watcher.Close)
	return store, nil
}

func watchDatabaseFile(store *SQLStore, path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	base := filepath.Base(path)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				// The database itself and its `-wal` / `-shm` companions.
				if strings.HasPrefix(filepath.Base(event.Name), base) && event.Has(fsnotify.Write) {
					store.pulse()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				store.logger.WithError(err).Warn("database file watcher error")
			}
		}
	}()

	return watcher, nil
}
