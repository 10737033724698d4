package watcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/matrix-org/duet/pkg/notify"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/matrix-org/duet/pkg/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const us = "globex"

type fixture struct {
	store    store.Store
	watcher  *watcher.Watcher
	notifier *notify.Recorder
	ringer   *notify.NotifierRinger
}

// A directory that never answers in time.
type slowDirectory struct{}

func (slowDirectory) DisplayName(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func newFixture(t *testing.T, directory watcher.Directory, config watcher.Config) *fixture {
	t.Helper()

	records, err := store.OpenSQLite(":memory:", 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	notifier := &notify.Recorder{}
	ringer := &notify.NotifierRinger{Notifier: notifier}
	w := watcher.New(us, records, directory, ringer, notifier, config)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	// Let the watcher subscribe before the first row shows up.
	time.Sleep(50 * time.Millisecond)

	return &fixture{store: records, watcher: w, notifier: notifier, ringer: ringer}
}

func (f *fixture) call(t *testing.T, caller, callee string) string {
	t.Helper()

	now := time.Now()
	record := store.Record{
		RoomID:    store.NewRoomID(caller, callee, now),
		CallerID:  caller,
		CalleeID:  callee,
		Status:    store.StatusPending,
		CreatedAt: now,
	}
	require.NoError(t, f.store.Create(context.Background(), record))

	return record.RoomID
}

func (f *fixture) status(t *testing.T, roomID string) store.Status {
	t.Helper()

	record, err := f.store.Get(context.Background(), roomID)
	require.NoError(t, err)
	return record.Status
}

func (f *fixture) waitRinging(t *testing.T, roomID string) watcher.Notice {
	t.Helper()

	require.Eventually(t, func() bool {
		notice, ok := f.watcher.Active()
		return ok && notice.RoomID == roomID
	}, 2*time.Second, 10*time.Millisecond)

	notice, _ := f.watcher.Active()
	return notice
}

func TestWatcher_RingsForIncomingCall(t *testing.T) {
	f := newFixture(t, watcher.StaticDirectory{"acme": "ACME Corp"}, watcher.Config{})

	roomID := f.call(t, "acme", us)
	notice := f.waitRinging(t, roomID)

	assert.Equal(t, "acme", notice.CallerID)
	assert.Equal(t, "ACME Corp", notice.DisplayName)
	assert.True(t, f.ringer.Playing())

	require.Eventually(t, func() bool { return f.notifier.Count(notify.KindIncomingCall) == 1 }, time.Second, 10*time.Millisecond)
	for _, notification := range f.notifier.All() {
		if notification.Kind == notify.KindIncomingCall {
			require.NotNil(t, notification.Caller)
			assert.Equal(t, "ACME Corp", notification.Caller.DisplayName)
			assert.Equal(t, roomID, notification.RoomID)
		}
	}
}

func TestWatcher_IgnoresOtherCallees(t *testing.T) {
	f := newFixture(t, nil, watcher.Config{})

	f.call(t, "acme", "initech")
	time.Sleep(200 * time.Millisecond)

	_, ok := f.watcher.Active()
	assert.False(t, ok)
	assert.Zero(t, f.notifier.Count(notify.KindIncomingCall))
}

func TestWatcher_UnknownCaller(t *testing.T) {
	f := newFixture(t, slowDirectory{}, watcher.Config{DirectoryTimeout: 50})

	roomID := f.call(t, "acme", us)
	notice := f.waitRinging(t, roomID)

	assert.Equal(t, watcher.UnknownCompany, notice.DisplayName)
}

func TestWatcher_RingsOncePerRoom(t *testing.T) {
	f := newFixture(t, nil, watcher.Config{})

	roomID := f.call(t, "acme", us)
	f.waitRinging(t, roomID)

	require.NoError(t, f.store.UpdateStatus(context.Background(), roomID, store.StatusCalling, time.Now()))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, f.notifier.Count(notify.KindIncomingCall))
	assert.Equal(t, 1, f.notifier.Count(notify.KindRingtoneStarted))
}

func TestWatcher_SecondCallIsIgnored(t *testing.T) {
	f := newFixture(t, nil, watcher.Config{})

	first := f.call(t, "acme", us)
	f.waitRinging(t, first)

	f.call(t, "initech", us)
	time.Sleep(200 * time.Millisecond)

	notice, ok := f.watcher.Active()
	require.True(t, ok)
	assert.Equal(t, first, notice.RoomID)
	assert.Equal(t, 1, f.notifier.Count(notify.KindIncomingCall))
}

func TestWatcher_Accept(t *testing.T) {
	f := newFixture(t, nil, watcher.Config{})

	roomID := f.call(t, "acme", us)
	f.waitRinging(t, roomID)

	notice, err := f.watcher.Accept(roomID)
	require.NoError(t, err)
	assert.Equal(t, roomID, notice.RoomID)
	assert.Equal(t, "acme", notice.CallerID)
	assert.False(t, f.ringer.Playing())
	assert.Equal(t, 1, f.notifier.Count(notify.KindIncomingCallCleared))

	_, ok := f.watcher.Active()
	assert.False(t, ok)

	// Exactly once.
	_, err = f.watcher.Accept(roomID)
	assert.ErrorIs(t, err, watcher.ErrNoActiveNotice)

	// Accepting leaves the record to the call session.
	assert.Equal(t, store.StatusPending, f.status(t, roomID))
}

func TestWatcher_Decline(t *testing.T) {
	f := newFixture(t, nil, watcher.Config{})

	roomID := f.call(t, "acme", us)
	f.waitRinging(t, roomID)

	require.NoError(t, f.watcher.Decline(context.Background(), roomID))
	assert.False(t, f.ringer.Playing())
	assert.Equal(t, store.StatusEnded, f.status(t, roomID))

	record, err := f.store.Get(context.Background(), roomID)
	require.NoError(t, err)
	assert.NotNil(t, record.EndedAt)

	assert.ErrorIs(t, f.watcher.Decline(context.Background(), roomID), watcher.ErrNoActiveNotice)
}

func TestWatcher_RingTimeout(t *testing.T) {
	f := newFixture(t, nil, watcher.Config{RingTimeout: 100})

	roomID := f.call(t, "acme", us)
	f.waitRinging(t, roomID)

	require.Eventually(t, func() bool {
		_, ok := f.watcher.Active()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return f.status(t, roomID) == store.StatusEnded }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.ringer.Playing())
	assert.Equal(t, []string{notify.TextMissedCall}, f.notifier.Toasts())

	// The timeout wins over a late accept.
	_, err := f.watcher.Accept(roomID)
	assert.ErrorIs(t, err, watcher.ErrNoticeExpired)
}

func TestWatcher_CallerCancels(t *testing.T) {
	f := newFixture(t, nil, watcher.Config{})

	roomID := f.call(t, "acme", us)
	f.waitRinging(t, roomID)

	require.NoError(t, f.store.UpdateStatus(context.Background(), roomID, store.StatusEnded, time.Now()))

	require.Eventually(t, func() bool {
		_, ok := f.watcher.Active()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.ringer.Playing())
	assert.Equal(t, 1, f.notifier.Count(notify.KindRingtoneStopped))
	assert.Empty(t, f.notifier.Toasts())
}

func TestStaticDirectory(t *testing.T) {
	directory := watcher.StaticDirectory{"acme": "ACME Corp"}

	name, err := directory.DisplayName(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "ACME Corp", name)

	_, err = directory.DisplayName(context.Background(), "initech")
	assert.ErrorIs(t, err, watcher.ErrUnknownCompany)
}

func TestWatcher_RingsForCallPlacedBeforeStart(t *testing.T) {
	records, err := store.OpenSQLite(":memory:", 20*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	ctx := context.Background()
	placed := func(caller string, age time.Duration) string {
		at := time.Now().Add(-age)
		record := store.Record{
			RoomID:    store.NewRoomID(caller, us, at),
			CallerID:  caller,
			CalleeID:  us,
			Status:    store.StatusPending,
			CreatedAt: at,
		}
		require.NoError(t, records.Create(ctx, record))
		require.NoError(t, records.UpdateStatus(ctx, record.RoomID, store.StatusCalling, time.Now()))
		return record.RoomID
	}

	// Too old to be answered, then a call placed right before the page reloaded.
	placed("initech", time.Hour)
	roomID := placed("acme", time.Second)

	notifier := &notify.Recorder{}
	w := watcher.New(us, records, watcher.StaticDirectory{"acme": "ACME"}, &notify.NotifierRinger{Notifier: notifier}, notifier, watcher.Config{})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		notice, ok := w.Active()
		return ok && notice.RoomID == roomID
	}, 2*time.Second, 10*time.Millisecond)

	notice, _ := w.Active()
	assert.Equal(t, "ACME", notice.DisplayName)

	// Later updates of the same row don't ring again.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, notifier.Count(notify.KindIncomingCall))

	_, err = w.Accept(roomID)
	assert.NoError(t, err)
}
