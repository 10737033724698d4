// Package notify is the user-visible side of a call: toasts, the ringtone and the incoming call prompt.
package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Kind string

const (
	// Short informational messages ("Connected", "Call ended", ...).
	KindToast Kind = "toast"
	// Someone is calling us, the user may accept or decline.
	KindIncomingCall Kind = "incoming-call"
	// The incoming call prompt must be dismissed (accepted, declined, timed out or canceled).
	KindIncomingCallCleared Kind = "incoming-call-cleared"
	KindRingtoneStarted     Kind = "ringtone-started"
	KindRingtoneStopped     Kind = "ringtone-stopped"
	// The state of the active call changed.
	KindCallState Kind = "call-state"
)

// Texts of the toasts.
const (
	TextConnected        = "Connected"
	TextConnectionFailed = "Connection failed"
	TextCallEnded        = "Call ended"
	TextPartnerEnded     = "Partner ended the call"
	TextMissedCall       = "Missed call"
	TextCallDeclined     = "Call declined"
	TextCallCanceled     = "Call canceled"
	TextMediaDenied      = "Camera or microphone access denied"
	TextMediaUnavailable = "Camera or microphone unavailable"
	TextSignalingFailed  = "Could not reach your partner"
)

type Notification struct {
	Kind   Kind      `json:"kind"`
	RoomID string    `json:"room_id,omitempty"`
	Text   string    `json:"text,omitempty"`
	Caller *Caller   `json:"caller,omitempty"`
	State  string    `json:"state,omitempty"`
	At     time.Time `json:"at"`
}

type Caller struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Notifier surfaces notifications to the user. Implementations must not block.
type Notifier interface {
	Notify(Notification)
}

func Toast(roomID, text string) Notification {
	return Notification{Kind: KindToast, RoomID: roomID, Text: text, At: time.Now()}
}

// Logs the notifications, for headless clients.
type LogNotifier struct {
	Logger *logrus.Entry
}

func (n LogNotifier) Notify(notification Notification) {
	n.Logger.WithFields(logrus.Fields{
		"kind":    notification.Kind,
		"room_id": notification.RoomID,
		"state":   notification.State,
	}).Info(notification.Text)
}

// Fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(notification Notification) {
	for _, notifier := range m {
		notifier.Notify(notification)
	}
}

// Keeps every notification, handy for tests.
type Recorder struct {
	mutex         sync.Mutex
	notifications []Notification
}

func (r *Recorder) Notify(notification Notification) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.notifications = append(r.notifications, notification)
}

func (r *Recorder) All() []Notification {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return append([]Notification(nil), r.notifications...)
}

// Texts of the recorded toasts, in order.
func (r *Recorder) Toasts() []string {
	var texts []string
	for _, notification := range r.All() {
		if notification.Kind == KindToast {
			texts = append(texts, notification.Text)
		}
	}

	return texts
}

// Number of recorded notifications of a kind.
func (r *Recorder) Count(kind Kind) int {
	count := 0
	for _, notification := range r.All() {
		if notification.Kind == kind {
			count++
		}
	}

	return count
}
