// Package store keeps the durable record of every call attempt. Both participants read and write
// the same row, and each of them may watch the change feed to learn about transitions they missed
// on the live signaling transport.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("call record not found")
	ErrAlreadyExists    = errors.New("call record already exists")
	ErrRecordTerminal   = errors.New("call record is already ended or failed")
	ErrStatusRegression = errors.New("call record status can't go backwards")
	ErrInvalidRecord    = errors.New("invalid call record")
	ErrStoreClosed      = errors.New("store is closed")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusCalling    Status = "calling"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// Ended and failed records never change their status again.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Ringing statuses are the ones for which the callee is expected to be notified.
func (s Status) IsRinging() bool {
	return s == StatusPending || s == StatusCalling
}

func (s Status) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// Statuses only move forward, except `connecting` and `connected` that share a rank
// and may oscillate on transient network changes.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusCalling:    1,
	StatusConnecting: 2,
	StatusConnected:  2,
	StatusEnded:      3,
	StatusFailed:     3,
}

// Checks whether a record in status `from` may be updated to `to`.
func CanAdvance(from, to Status) error {
	if from.IsTerminal() {
		return ErrRecordTerminal
	}

	if statusRank[to] < statusRank[from] {
		return ErrStatusRegression
	}

	return nil
}

// A persisted row per call attempt.
type Record struct {
	// Opaque unique identifier of the call attempt (see `NewRoomID`).
	RoomID string
	// Company that created the record and sends the offer (participant A).
	CallerID string
	// Company that is being called (participant B).
	CalleeID string
	Status   Status
	// Set once, when the call gets connected for the first time.
	StartedAt *time.Time
	// Set once, when the call reaches a terminal status.
	EndedAt   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	// Monotonic change counter, used by the change feeds.
	Revision int64
}

// Returns the identifier of the other participant or an empty string if `companyID` is not part of the call.
func (r Record) Partner(companyID string) string {
	switch companyID {
	case r.CallerID:
		return r.CalleeID
	case r.CalleeID:
		return r.CallerID
	default:
		return ""
	}
}

func (r Record) Validate() error {
	if r.RoomID == "" || r.CallerID == "" || r.CalleeID == "" {
		return fmt.Errorf("%w: room and participants must be set", ErrInvalidRecord)
	}

	if r.CallerID == r.CalleeID {
		return fmt.Errorf("%w: a company can't call itself", ErrInvalidRecord)
	}

	if !r.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}

	return nil
}

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// A row-level change event. The record is the state of the row at the time the change was observed;
// several quick updates of the same row may be coalesced into one change.
type Change struct {
	Kind   ChangeKind
	Record Record
}

// Restricts a change feed. The zero value watches all rows.
type Filter struct {
	RoomID string
}

func (f Filter) Matches(record Record) bool {
	return f.RoomID == "" || f.RoomID == record.RoomID
}

// Store is the session record store shared by both participants of a call.
// Writes are last-write-wins, guarded so that a status never moves backwards.
type Store interface {
	// Creates a new record. Fails with `ErrAlreadyExists` if the room is already known.
	Create(ctx context.Context, record Record) error
	// Returns the record of a given room or `ErrNotFound`.
	Get(ctx context.Context, roomID string) (*Record, error)
	// Updates the status of a record. `at` is used for `started_at` / `ended_at` when they are set.
	// Returns `ErrRecordTerminal` or `ErrStatusRegression` if the update is not allowed.
	UpdateStatus(ctx context.Context, roomID string, status Status, at time.Time) error
	// Streams the changes that happen after the call. The channel is closed once the context is done
	// or the store is closed.
	Watch(ctx context.Context, filter Filter) (<-chan Change, error)
	// Records addressed to the callee that still wait for an answer and were created at or after
	// `since`, newest first.
	Ringing(ctx context.Context, calleeID string, since time.Time) ([]Record, error)
	Close() error
}

var roomNamespace = uuid.MustParse("6f1f4d46-0f83-4b8e-9d6e-3c4a2c3e5a10")

// Derives a room identifier from both participants and the time of the attempt, so that repeated
// calls between the same pair never collide while the identifier stays reproducible.
func NewRoomID(callerID, calleeID string, at time.Time) string {
	name := fmt.Sprintf("%s|%s|%d", callerID, calleeID, at.UnixNano())
	return uuid.NewSHA1(roomNamespace, []byte(name)).String()
}
