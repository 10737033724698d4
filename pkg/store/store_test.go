package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matrix-org/duet/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) store.Store {
	t.Helper()

	s, err := store.OpenSQLite(":memory:", 20*time.Millisecond)
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(caller, callee string) store.Record {
	now := time.Now()
	return store.Record{
		RoomID:    store.NewRoomID(caller, callee, now),
		CallerID:  caller,
		CalleeID:  callee,
		Status:    store.StatusPending,
		CreatedAt: now,
	}
}

func nextChange(t *testing.T, changes <-chan store.Change) store.Change {
	t.Helper()

	select {
	case change, ok := <-changes:
		require.True(t, ok, "change feed closed unexpectedly")
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("no change received")
		return store.Change{}
	}
}

func TestNewRoomID(t *testing.T) {
	at := time.Unix(1700000000, 42)

	assert.Equal(t, store.NewRoomID("acme", "globex", at), store.NewRoomID("acme", "globex", at))
	assert.NotEqual(t, store.NewRoomID("acme", "globex", at), store.NewRoomID("acme", "globex", at.Add(time.Nanosecond)))
	assert.NotEqual(t, store.NewRoomID("acme", "globex", at), store.NewRoomID("globex", "acme", at))
}

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to store.Status
		err      error
	}{
		{store.StatusPending, store.StatusCalling, nil},
		{store.StatusPending, store.StatusEnded, nil},
		{store.StatusCalling, store.StatusConnected, nil},
		{store.StatusConnected, store.StatusConnecting, nil},
		{store.StatusConnecting, store.StatusConnected, nil},
		{store.StatusConnected, store.StatusCalling, store.ErrStatusRegression},
		{store.StatusCalling, store.StatusPending, store.ErrStatusRegression},
		{store.StatusEnded, store.StatusConnected, store.ErrRecordTerminal},
		{store.StatusFailed, store.StatusEnded, store.ErrRecordTerminal},
	}

	for _, c := range cases {
		err := store.CanAdvance(c.from, c.to)
		if c.err == nil {
			assert.NoError(t, err, "%s -> %s", c.from, c.to)
		} else {
			assert.ErrorIs(t, err, c.err, "%s -> %s", c.from, c.to)
		}
	}
}

func TestSQLite_CreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	record := newRecord("acme", "globex")
	require.NoError(t, s.Create(ctx, record))

	got, err := s.Get(ctx, record.RoomID)
	require.NoError(t, err)
	assert.Equal(t, "acme", got.CallerID)
	assert.Equal(t, "globex", got.CalleeID)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, record.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	assert.ErrorIs(t, s.Create(ctx, record), store.ErrAlreadyExists)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLite_CreateRejectsInvalidRecords(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	record := newRecord("acme", "acme")
	assert.ErrorIs(t, s.Create(ctx, record), store.ErrInvalidRecord)

	record = newRecord("acme", "globex")
	record.Status = "dancing"
	assert.ErrorIs(t, s.Create(ctx, record), store.ErrInvalidRecord)
}

func TestSQLite_UpdateStatusTimestamps(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	record := newRecord("acme", "globex")
	require.NoError(t, s.Create(ctx, record))

	connectedAt := time.UnixMilli(1700000001000)
	require.NoError(t, s.UpdateStatus(ctx, record.RoomID, store.StatusConnected, connectedAt))
	// Oscillation does not move `started_at`.
	require.NoError(t, s.UpdateStatus(ctx, record.RoomID, store.StatusConnecting, connectedAt.Add(time.Second)))
	require.NoError(t, s.UpdateStatus(ctx, record.RoomID, store.StatusConnected, connectedAt.Add(2*time.Second)))

	endedAt := connectedAt.Add(time.Minute)
	require.NoError(t, s.UpdateStatus(ctx, record.RoomID, store.StatusEnded, endedAt))

	got, err := s.Get(ctx, record.RoomID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnded, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, connectedAt.UnixMilli(), got.StartedAt.UnixMilli())
	assert.Equal(t, endedAt.UnixMilli(), got.EndedAt.UnixMilli())
}

func TestSQLite_TerminalRecordsNeverChange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	record := newRecord("acme", "globex")
	require.NoError(t, s.Create(ctx, record))
	require.NoError(t, s.UpdateStatus(ctx, record.RoomID, store.StatusEnded, time.Now()))

	assert.ErrorIs(t, s.UpdateStatus(ctx, record.RoomID, store.StatusConnected, time.Now()), store.ErrRecordTerminal)
	assert.ErrorIs(t, s.UpdateStatus(ctx, record.RoomID, store.StatusFailed, time.Now()), store.ErrRecordTerminal)
	// Writing the same status again is a no-op.
	assert.NoError(t, s.UpdateStatus(ctx, record.RoomID, store.StatusEnded, time.Now()))

	assert.ErrorIs(t, s.UpdateStatus(ctx, "unknown", store.StatusEnded, time.Now()), store.ErrNotFound)
}

func TestSQLite_WatchReportsInsertsAndUpdates(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := s.Watch(ctx, store.Filter{})
	require.NoError(t, err)

	record := newRecord("acme", "globex")
	require.NoError(t, s.Create(ctx, record))

	change := nextChange(t, changes)
	assert.Equal(t, store.ChangeInsert, change.Kind)
	assert.Equal(t, record.RoomID, change.Record.RoomID)
	assert.Equal(t, store.StatusPending, change.Record.Status)

	require.NoError(t, s.UpdateStatus(ctx, record.RoomID, store.StatusCalling, time.Now()))

	change = nextChange(t, changes)
	assert.Equal(t, store.ChangeUpdate, change.Kind)
	assert.Equal(t, store.StatusCalling, change.Record.Status)

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-changes
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSQLite_WatchFiltersByRoom(t *testing.T) {
	s := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watched := newRecord("acme", "globex")
	other := newRecord("initech", "globex")

	changes, err := s.Watch(ctx, store.Filter{RoomID: watched.RoomID})
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, other))
	require.NoError(t, s.Create(ctx, watched))

	change := nextChange(t, changes)
	assert.Equal(t, watched.RoomID, change.Record.RoomID)
}

func TestSQLite_WatchSeesOtherProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.db")

	first, err := store.OpenSQLite(path, 50*time.Millisecond)
	require.NoError(t, err)
	defer first.Close()

	second, err := store.OpenSQLite(path, 50*time.Millisecond)
	require.NoError(t, err)
	defer second.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := first.Watch(ctx, store.Filter{})
	require.NoError(t, err)

	record := newRecord("acme", "globex")
	require.NoError(t, second.Create(ctx, record))

	change := nextChange(t, changes)
	assert.Equal(t, record.RoomID, change.Record.RoomID)
}

func TestSQLite_WatchAfterClose(t *testing.T) {
	s, err := store.OpenSQLite(":memory:", time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Watch(context.Background(), store.Filter{})
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := store.Open(store.Config{Driver: "mongo"})
	assert.ErrorIs(t, err, store.ErrUnknownDriver)
}

func TestSQLite_Ringing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := newRecord("acme", "globex")
	old.CreatedAt = time.Now().Add(-time.Hour)
	old.RoomID = store.NewRoomID("acme", "globex", old.CreatedAt)
	require.NoError(t, s.Create(ctx, old))

	first := newRecord("acme", "globex")
	require.NoError(t, s.Create(ctx, first))
	require.NoError(t, s.UpdateStatus(ctx, first.RoomID, store.StatusCalling, time.Now()))

	time.Sleep(5 * time.Millisecond)
	ended := newRecord("initech", "globex")
	require.NoError(t, s.Create(ctx, ended))
	require.NoError(t, s.UpdateStatus(ctx, ended.RoomID, store.StatusEnded, time.Now()))

	time.Sleep(5 * time.Millisecond)
	newest := newRecord("hooli", "globex")
	require.NoError(t, s.Create(ctx, newest))

	require.NoError(t, s.Create(ctx, newRecord("globex", "acme")))

	records, err := s.Ringing(ctx, "globex", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, newest.RoomID, records[0].RoomID)
	assert.Equal(t, first.RoomID, records[1].RoomID)
	assert.Equal(t, store.StatusCalling, records[1].Status)

	records, err = s.Ringing(ctx, "umbrella", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, records)
}
