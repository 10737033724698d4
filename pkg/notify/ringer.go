package notify

import (
	"sync"
	"time"
)

// Ringer plays the ringtone of an incoming call.
type Ringer interface {
	Start(roomID string)
	Stop(roomID string)
}

// A ringer that asks the surface to play the ringtone. Starting twice or stopping a ringtone that
// does not play is a no-op.
type NotifierRinger struct {
	Notifier Notifier

	mutex   sync.Mutex
	playing map[string]bool
}

func (r *NotifierRinger) Start(roomID string) {
	if !r.set(roomID, true) {
		return
	}

	r.Notifier.Notify(Notification{Kind: KindRingtoneStarted, RoomID: roomID, At: time.Now()})
}

func (r *NotifierRinger) Stop(roomID string) {
	if !r.set(roomID, false) {
		return
	}

	r.Notifier.Notify(Notification{Kind: KindRingtoneStopped, RoomID: roomID, At: time.Now()})
}

// Whether any ringtone is playing.
func (r *NotifierRinger) Playing() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.playing) > 0
}

// Returns whether the state changed.
func (r *NotifierRinger) set(roomID string, playing bool) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.playing == nil {
		r.playing = make(map[string]bool)
	}

	if r.playing[roomID] == playing {
		return false
	}

	if playing {
		r.playing[roomID] = true
	} else {
		delete(r.playing, roomID)
	}

	return true
}
