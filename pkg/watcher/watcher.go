// Package watcher rings when another company calls us: it follows the session records addressed to
// our company and turns them into an incoming call notice that can be accepted, declined or missed.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/matrix-org/duet/pkg/common"
	"github.com/matrix-org/duet/pkg/metrics"
	"github.com/matrix-org/duet/pkg/notify"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoActiveNotice = errors.New("no incoming call to answer")
	ErrNoticeExpired  = errors.New("the incoming call timed out")
)

type Config struct {
	// For how long an incoming call rings before it is missed (in milliseconds).
	RingTimeout int `yaml:"ringTimeout"`
	// Deadline of a display name lookup (in milliseconds).
	DirectoryTimeout int `yaml:"directoryTimeout"`
}

const (
	defaultRingTimeout      = 30 * time.Second
	defaultDirectoryTimeout = 2 * time.Second
	// Rooms we already rang for. Plenty for a single client.
	rungRooms = 256
)

func (c Config) ringTimeout() time.Duration {
	if c.RingTimeout <= 0 {
		return defaultRingTimeout
	}

	return time.Duration(c.RingTimeout) * time.Millisecond
}

func (c Config) directoryTimeout() time.Duration {
	if c.DirectoryTimeout <= 0 {
		return defaultDirectoryTimeout
	}

	return time.Duration(c.DirectoryTimeout) * time.Millisecond
}

// An incoming call waiting for the user.
type Notice struct {
	RoomID      string    `json:"room_id"`
	CallerID    string    `json:"caller_id"`
	DisplayName string    `json:"display_name"`
	ReceivedAt  time.Time `json:"received_at"`
}

type outcome string

const (
	outcomeRinging  outcome = "ringing"
	outcomeAccepted outcome = "accepted"
	outcomeDeclined outcome = "declined"
	outcomeMissed   outcome = "missed"
	outcomeCanceled outcome = "canceled"
	outcomeIgnored  outcome = "ignored"
)

type activeNotice struct {
	Notice
	countdown *common.Countdown
}

type Watcher struct {
	companyID string
	records   store.Store
	directory Directory
	ringer    notify.Ringer
	notifier  notify.Notifier
	config    Config
	logger    *logrus.Entry

	// What happened to the rooms we rang for, so that later updates never ring again.
	rung *lru.Cache[string, outcome]

	mutex  sync.Mutex
	notice *activeNotice
}

func New(
	companyID string,
	records store.Store,
	directory Directory,
	ringer notify.Ringer,
	notifier notify.Notifier,
	config Config,
) *Watcher {
	// Only fails for a non-positive size.
	rung, _ := lru.New[string, outcome](rungRooms)

	if directory == nil {
		directory = StaticDirectory{}
	}

	return &Watcher{
		companyID: companyID,
		records:   records,
		directory: directory,
		ringer:    ringer,
		notifier:  notifier,
		config:    config,
		logger:    logrus.WithFields(logrus.Fields{"company_id": companyID, "component": "watcher"}),
		rung:      rung,
	}
}

// Follows the records until the context is done. The feed is not filtered by the store: every
// client sees every row and picks its own.
func (w *Watcher) Run(ctx context.Context) error {
	changes, err := w.records.Watch(ctx, store.Filter{})
	if err != nil {
		return err
	}

	w.logger.Info("watching for incoming calls")
	defer w.dismiss()

	w.ringExisting(ctx)

	for change := range changes {
		w.processChange(ctx, change)
	}

	if ctx.Err() != nil {
		return nil
	}

	return store.ErrStoreClosed
}

// A call placed while we were away (or before a reload) still rings if it is recent enough to be
// answered. The feed is already open, so a row showing up meanwhile is not missed; the rung rooms
// keep it from ringing twice.
func (w *Watcher) ringExisting(ctx context.Context) {
	records, err := w.records.Ringing(ctx, w.companyID, time.Now().Add(-w.config.ringTimeout()))
	if err != nil {
		w.logger.WithError(err).Warn("can't look for calls placed before we started")
		return
	}

	if len(records) > 0 {
		w.processChange(ctx, store.Change{Kind: store.ChangeUpdate, Record: records[0]})
	}
}

// The incoming call that is currently ringing, if any.
func (w *Watcher) Active() (Notice, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.notice == nil {
		return Notice{}, false
	}

	return w.notice.Notice, true
}

// Takes the incoming call. Returns the notice so that the caller can join the room.
func (w *Watcher) Accept(roomID string) (Notice, error) {
	notice, err := w.take(roomID)
	if err != nil {
		return Notice{}, err
	}

	w.logger.WithField("room_id", roomID).Info("incoming call accepted")
	w.finish(notice, outcomeAccepted)
	return notice, nil
}

// Refuses the incoming call. The caller learns it through the record.
func (w *Watcher) Decline(ctx context.Context, roomID string) error {
	notice, err := w.take(roomID)
	if err != nil {
		return err
	}

	w.logger.WithField("room_id", roomID).Info("incoming call declined")
	w.finish(notice, outcomeDeclined)
	w.end(ctx, roomID)
	return nil
}

func (w *Watcher) processChange(ctx context.Context, change store.Change) {
	record := change.Record
	if record.CalleeID != w.companyID {
		return
	}

	logger := w.logger.WithFields(logrus.Fields{"room_id": record.RoomID, "status": record.Status})

	switch {
	case record.Status.IsTerminal():
		w.mutex.Lock()
		notice := w.notice
		if notice == nil || notice.RoomID != record.RoomID || !notice.countdown.Stop() {
			w.mutex.Unlock()
			return
		}
		w.notice = nil
		w.mutex.Unlock()

		logger.Info("incoming call canceled by the caller")
		w.finish(notice.Notice, outcomeCanceled)
	case record.Status.IsRinging():
		if w.rung.Contains(record.RoomID) {
			return
		}

		if _, busy := w.Active(); busy {
			logger.Info("ignoring incoming call, another one is ringing")
			metrics.IncomingCalls.WithLabelValues(string(outcomeIgnored)).Inc()
			return
		}

		w.ring(ctx, record, logger)
	}
}

func (w *Watcher) ring(ctx context.Context, record store.Record, logger *logrus.Entry) {
	notice := &activeNotice{Notice: Notice{
		RoomID:      record.RoomID,
		CallerID:    record.CallerID,
		DisplayName: w.displayName(ctx, record.CallerID, logger),
		ReceivedAt:  time.Now(),
	}}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.notice != nil {
		return
	}

	w.rung.Add(record.RoomID, outcomeRinging)
	metrics.IncomingCalls.WithLabelValues(string(outcomeRinging)).Inc()
	logger.WithField("caller_id", record.CallerID).Info("incoming call")

	// The prompt is shown before anyone can accept it.
	w.ringer.Start(record.RoomID)
	w.notifier.Notify(notify.Notification{
		Kind:   notify.KindIncomingCall,
		RoomID: record.RoomID,
		Caller: &notify.Caller{ID: record.CallerID, DisplayName: notice.DisplayName},
		At:     notice.ReceivedAt,
	})

	w.notice = notice
	notice.countdown = common.CountdownConfig{
		Timeout:   w.config.ringTimeout(),
		OnTimeout: func() { w.expire(record.RoomID) },
	}.Start()
}

func (w *Watcher) displayName(ctx context.Context, companyID string, logger *logrus.Entry) string {
	ctx, cancel := context.WithTimeout(ctx, w.config.directoryTimeout())
	defer cancel()

	name, err := w.directory.DisplayName(ctx, companyID)
	if err != nil || name == "" {
		logger.WithError(err).WithField("caller_id", companyID).Debug("can't resolve the caller")
		return UnknownCompany
	}

	return name
}

// Removes the active notice for the room, unless it already expired.
func (w *Watcher) take(roomID string) (Notice, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.notice == nil || w.notice.RoomID != roomID {
		if result, ok := w.rung.Peek(roomID); ok && result == outcomeMissed {
			return Notice{}, ErrNoticeExpired
		}
		return Notice{}, ErrNoActiveNotice
	}

	if !w.notice.countdown.Stop() {
		return Notice{}, ErrNoticeExpired
	}

	notice := w.notice.Notice
	w.notice = nil
	return notice, nil
}

func (w *Watcher) expire(roomID string) {
	w.mutex.Lock()
	if w.notice == nil || w.notice.RoomID != roomID {
		w.mutex.Unlock()
		return
	}
	notice := w.notice.Notice
	w.notice = nil
	w.mutex.Unlock()

	w.logger.WithField("room_id", roomID).Info("incoming call missed")
	w.finish(notice, outcomeMissed)
	w.notifier.Notify(notify.Toast(roomID, notify.TextMissedCall))

	ctx, cancel := context.WithTimeout(context.Background(), w.config.directoryTimeout())
	defer cancel()
	w.end(ctx, roomID)
}

// Stops the ringtone and dismisses the prompt.
func (w *Watcher) finish(notice Notice, result outcome) {
	w.rung.Add(notice.RoomID, result)
	metrics.IncomingCalls.WithLabelValues(string(result)).Inc()

	w.ringer.Stop(notice.RoomID)
	w.notifier.Notify(notify.Notification{
		Kind:   notify.KindIncomingCallCleared,
		RoomID: notice.RoomID,
		Text:   string(result),
		At:     time.Now(),
	})
}

func (w *Watcher) end(ctx context.Context, roomID string) {
	err := w.records.UpdateStatus(ctx, roomID, store.StatusEnded, time.Now())
	switch {
	case err == nil:
	case errors.Is(err, store.ErrRecordTerminal):
		w.logger.WithField("room_id", roomID).Debug("call record already terminal")
	default:
		w.logger.WithError(err).WithField("room_id", roomID).Error("failed to end the call record")
	}
}

// Drops the ringing call when the watcher stops.
func (w *Watcher) dismiss() {
	w.mutex.Lock()
	notice := w.notice
	if notice == nil || !notice.countdown.Stop() {
		w.mutex.Unlock()
		return
	}
	w.notice = nil
	w.mutex.Unlock()

	w.ringer.Stop(notice.RoomID)
}
