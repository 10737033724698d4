package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// The SQL flavours we talk to differ only in placeholders, the revision counter and the DDL.
type dialect struct {
	name string
	// Query executed inside a write transaction to obtain the next revision.
	nextRevision string
	// Schema statements executed on open.
	schema []string
	// Numbered placeholders (`$1`) instead of `?`.
	numbered bool
}

// SQLStore implements `Store` on top of `database/sql`. The change feed is driven by "pulses":
// local writes, notifications from the backend and a periodic poll all trigger a query for rows
// with a revision newer than the last one seen.
type SQLStore struct {
	db           *sql.DB
	dialect      dialect
	logger       *logrus.Entry
	pollInterval time.Duration

	pulsesMutex sync.Mutex
	pulses      map[chan struct{}]struct{}

	closeOnce sync.Once
	closed    chan struct{}
	// Additional resources to release on close (file watchers, listeners).
	closers []func() error
}

const recordColumns = "room_id, caller_id, callee_id, status, started_at, ended_at, created_at, updated_at, revision"

func newSQLStore(db *sql.DB, dialect dialect, pollInterval time.Duration) (*SQLStore, error) {
	for _, statement := range dialect.schema {
		if _, err := db.Exec(statement); err != nil {
			return nil, fmt.Errorf("failed to migrate %s schema: %w", dialect.name, err)
		}
	}

	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &SQLStore{
		db:           db,
		dialect:      dialect,
		logger:       logrus.WithField("store", dialect.name),
		pollInterval: pollInterval,
		pulses:       make(map[chan struct{}]struct{}),
		closed:       make(chan struct{}),
	}, nil
}

// Rewrites `?` placeholders for dialects with numbered placeholders.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}

	var (
		builder strings.Builder
		index   int
	)
	for _, r := range query {
		if r == '?' {
			index++
			builder.WriteString("$" + strconv.Itoa(index))
			continue
		}
		builder.WriteRune(r)
	}

	return builder.String()
}

func (s *SQLStore) Create(ctx context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind("SELECT 1 FROM call_sessions WHERE room_id = ?"), record.RoomID).Scan(&exists)
		switch {
		case err == nil:
			return ErrAlreadyExists
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		revision, err := s.nextRevision(ctx, tx)
		if err != nil {
			return err
		}

		query := `INSERT INTO call_sessions (
			room_id, caller_id, callee_id, status, started_at, ended_at, created_at, updated_at,
			revision, created_revision
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err = tx.ExecContext(ctx, s.rebind(query),
			record.RoomID, record.CallerID, record.CalleeID, string(record.Status),
			toMillis(record.StartedAt), toMillis(record.EndedAt),
			record.CreatedAt.UnixMilli(), record.CreatedAt.UnixMilli(),
			revision, revision,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create record %s: %w", record.RoomID, err)
	}

	s.pulse()
	return nil
}

func (s *SQLStore) Get(ctx context.Context, roomID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+recordColumns+" FROM call_sessions WHERE room_id = ?"), roomID)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", roomID, err)
	}

	return record, nil
}

func (s *SQLStore) UpdateStatus(ctx context.Context, roomID string, status Status, at time.Time) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, status)
	}

	changed := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, s.rebind("SELECT status FROM call_sessions WHERE room_id = ?"), roomID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if Status(current) == status {
			return nil
		}

		if err := CanAdvance(Status(current), status); err != nil {
			return err
		}

		var startedAt, endedAt *time.Time
		if status == StatusConnected {
			startedAt = &at
		}
		if status.IsTerminal() {
			endedAt = &at
		}

		revision, err := s.nextRevision(ctx, tx)
		if err != nil {
			return err
		}

		query := `UPDATE call_sessions SET
			status = ?,
			started_at = COALESCE(started_at, ?),
			ended_at = COALESCE(ended_at, ?),
			updated_at = ?,
			revision = ?
		WHERE room_id = ?`

		if _, err := tx.ExecContext(ctx, s.rebind(query),
			string(status), toMillis(startedAt), toMillis(endedAt), at.UnixMilli(), revision, roomID,
		); err != nil {
			return err
		}

		changed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set status of %s to %s: %w", roomID, status, err)
	}

	if changed {
		s.pulse()
	}

	return nil
}

func (s *SQLStore) Ringing(ctx context.Context, calleeID string, since time.Time) ([]Record, error) {
	query := "SELECT " + recordColumns + ` FROM call_sessions
		WHERE callee_id = ? AND status IN (?, ?) AND created_at >= ?
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query),
		calleeID, string(StatusPending), string(StatusCalling), since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ringing records of %s: %w", calleeID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}

	return records, rows.Err()
}

func (s *SQLStore) Watch(ctx context.Context, filter Filter) (<-chan Change, error) {
	select {
	case <-s.closed:
		return nil, ErrStoreClosed
	default:
	}

	var lastRevision int64
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(revision), 0) FROM call_sessions")
	if err := row.Scan(&lastRevision); err != nil {
		return nil, fmt.Errorf("failed to read current revision: %w", err)
	}

	pulse := make(chan struct{}, 1)
	s.pulsesMutex.Lock()
	s.pulses[pulse] = struct{}{}
	s.pulsesMutex.Unlock()

	changes := make(chan Change, 32)

	go func() {
		defer close(changes)
		defer func() {
			s.pulsesMutex.Lock()
			delete(s.pulses, pulse)
			s.pulsesMutex.Unlock()
		}()

		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case <-pulse:
			case <-ticker.C:
			}

			found, err := s.changesSince(ctx, lastRevision, filter)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.WithError(err).Warn("failed to poll call records")
				}
				continue
			}

			for _, change := range found {
				lastRevision = change.Record.Revision

				select {
				case changes <- change:
				case <-ctx.Done():
					return
				case <-s.closed:
					return
				}
			}
		}
	}()

	return changes, nil
}

func (s *SQLStore) changesSince(ctx context.Context, revision int64, filter Filter) ([]Change, error) {
	query := "SELECT " + recordColumns + ", created_revision FROM call_sessions WHERE revision > ?"
	args := []interface{}{revision}
	if filter.RoomID != "" {
		query += " AND room_id = ?"
		args = append(args, filter.RoomID)
	}
	query += " ORDER BY revision"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var createdRevision int64
		record, err := scanRecord(rows, &createdRevision)
		if err != nil {
			return nil, err
		}

		kind := ChangeUpdate
		if record.Revision == createdRevision {
			kind = ChangeInsert
		}

		changes = append(changes, Change{Kind: kind, Record: *record})
	}

	return changes, rows.Err()
}

// Wakes up every change feed.
func (s *SQLStore) pulse() {
	s.pulsesMutex.Lock()
	defer s.pulsesMutex.Unlock()

	for pulse := range s.pulses {
		select {
		case pulse <- struct{}{}:
		default:
		}
	}
}

func (s *SQLStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		for _, closer := range s.closers {
			if closeErr := closer(); closeErr != nil {
				s.logger.WithError(closeErr).Warn("failed to release store resource")
			}
		}
		err = s.db.Close()
	})

	return err
}

func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) nextRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	var revision int64
	if err := tx.QueryRowContext(ctx, s.dialect.nextRevision).Scan(&revision); err != nil {
		return 0, fmt.Errorf("failed to allocate revision: %w", err)
	}

	return revision, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner, extra ...interface{}) (*Record, error) {
	var (
		record             Record
		status             string
		startedAt, endedAt sql.NullInt64
		createdAt          int64
		updatedAt          int64
	)

	dest := []interface{}{
		&record.RoomID, &record.CallerID, &record.CalleeID, &status,
		&startedAt, &endedAt, &createdAt, &updatedAt, &record.Revision,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	record.Status = Status(status)
	record.StartedAt = fromMillis(startedAt)
	record.EndedAt = fromMillis(endedAt)
	record.CreatedAt = time.UnixMilli(createdAt)
	record.UpdatedAt = time.UnixMilli(updatedAt)

	return &record, nil
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}

	t := time.UnixMilli(value.Int64)
	return &t
}
