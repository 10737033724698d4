package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Configuration of the Matrix bus.
type MatrixConfig struct {
	// The Matrix ID (MXID) of the account used for signaling.
	UserID id.UserID `yaml:"userId"`
	// The URL of the homeserver.
	HomeserverURL string `yaml:"homeserverUrl"`
	// The access token for the Matrix SDK.
	AccessToken string `yaml:"accessToken"`
	// The room that is used as the broadcast medium.
	RoomID id.RoomID `yaml:"roomId"`
}

var signalEventType = event.Type{Type: "org.matrix.duet.signal", Class: event.MessageEventType}

type signalContent struct {
	Channel string `json:"channel"`
	Data    string `json:"data"`
}

// Matrix uses a single Matrix room as a broadcast medium. Every message is a custom room event
// tagged with its channel; the subscribers filter the room timeline by channel.
type Matrix struct {
	client *mautrix.Client
	roomID id.RoomID
	logger *logrus.Entry

	mutex       sync.Mutex
	subscribers map[*matrixSubscription]struct{}
	closed      bool
	syncDone    chan struct{}
}

func NewMatrix(config MatrixConfig) (*Matrix, error) {
	if config.RoomID == "" {
		return nil, errors.New("matrix bus requires a room")
	}

	client, err := mautrix.NewClient(config.HomeserverURL, config.UserID, config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}

	whoami, err := client.Whoami()
	if err != nil {
		return nil, fmt.Errorf("failed to identify matrix user: %w", err)
	}

	if config.UserID != whoami.UserID {
		return nil, fmt.Errorf("access token is for the wrong user: %s", whoami.UserID)
	}

	client.DeviceID = whoami.DeviceID

	m := &Matrix{
		client:      client,
		roomID:      config.RoomID,
		logger:      logrus.WithFields(logrus.Fields{"bus": "matrix", "room_id": config.RoomID}),
		subscribers: make(map[*matrixSubscription]struct{}),
		syncDone:    make(chan struct{}),
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, errors.New("syncer is not DefaultSyncer")
	}

	syncer.ParseEventContent = true
	syncer.OnEventType(signalEventType, m.onSignalEvent)
	syncer.OnSync(m.onSync)

	go func() {
		defer close(m.syncDone)
		if err := client.Sync(); err != nil {
			m.logger.WithError(err).Error("matrix sync stopped")
		}
	}()

	m.logger.WithField("device_id", whoami.DeviceID).Info("matrix bus started")
	return m, nil
}

// The subscription is acknowledged by the first sync that completes after it was registered.
func (m *Matrix) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	subscription := &matrixSubscription{
		bus:      m,
		channel:  channel,
		messages: make(chan []byte, 64),
		acked:    make(chan struct{}),
	}

	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil, ErrBusClosed
	}
	m.subscribers[subscription] = struct{}{}
	m.mutex.Unlock()

	select {
	case <-subscription.acked:
		return subscription, nil
	case <-m.syncDone:
		subscription.Close()
		return nil, fmt.Errorf("%w: sync stopped", ErrSubscriptionFailed)
	case <-ctx.Done():
		subscription.Close()
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionFailed, ctx.Err())
	}
}

func (m *Matrix) Publish(ctx context.Context, channel string, data []byte) error {
	m.mutex.Lock()
	closed := m.closed
	m.mutex.Unlock()

	if closed {
		return ErrBusClosed
	}

	content := signalContent{Channel: channel, Data: string(data)}
	if _, err := m.client.SendMessageEvent(m.roomID, signalEventType, content); err != nil {
		return fmt.Errorf("failed to send signal event: %w", err)
	}

	return nil
}

func (m *Matrix) Close() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	for subscription := range m.subscribers {
		subscription.closeOnce.Do(func() { close(subscription.messages) })
	}
	m.subscribers = nil
	m.mutex.Unlock()

	m.client.StopSync()
	return nil
}

func (m *Matrix) onSync(_ *mautrix.RespSync, _ string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for subscription := range m.subscribers {
		subscription.ackOnce.Do(func() { close(subscription.acked) })
	}

	return true
}

func (m *Matrix) onSignalEvent(_ mautrix.EventSource, evt *event.Event) {
	if evt.RoomID != m.roomID {
		return
	}

	channel, _ := evt.Content.Raw["channel"].(string)
	data, _ := evt.Content.Raw["data"].(string)
	if channel == "" {
		m.logger.WithField("event_id", evt.ID).Warn("signal event without a channel, ignoring")
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for subscription := range m.subscribers {
		if subscription.channel != channel {
			continue
		}

		select {
		case subscription.messages <- []byte(data):
		default:
			m.logger.WithField("channel", channel).Warn("subscriber is too slow, dropping signal event")
		}
	}
}

type matrixSubscription struct {
	bus      *Matrix
	channel  string
	messages chan []byte

	acked     chan struct{}
	ackOnce   sync.Once
	closeOnce sync.Once
}

func (s *matrixSubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *matrixSubscription) Close() {
	s.bus.mutex.Lock()
	defer s.bus.mutex.Unlock()

	delete(s.bus.subscribers, s)
	s.closeOnce.Do(func() { close(s.messages) })
}
