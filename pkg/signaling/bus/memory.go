package bus

import (
	"context"
	"sync"
)

// Memory is an in-process bus. Subscriptions are acknowledged immediately and messages are
// delivered to the subscribers that exist at the time of publishing.
type Memory struct {
	mutex       sync.Mutex
	closed      bool
	subscribers map[string]map[*memorySubscription]struct{}
}

func NewMemory() *Memory {
	return &Memory{subscribers: make(map[string]map[*memorySubscription]struct{})}
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil, ErrBusClosed
	}

	subscription := &memorySubscription{
		bus:      m,
		channel:  channel,
		messages: make(chan []byte, 64),
	}

	if m.subscribers[channel] == nil {
		m.subscribers[channel] = make(map[*memorySubscription]struct{})
	}
	m.subscribers[channel][subscription] = struct{}{}

	return subscription, nil
}

// Delivers the message to every subscriber. A subscriber that does not keep up loses the message,
// the same way a real broadcast medium would drop it.
func (m *Memory) Publish(ctx context.Context, channel string, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return ErrBusClosed
	}

	for subscription := range m.subscribers[channel] {
		message := make([]byte, len(data))
		copy(message, data)

		select {
		case subscription.messages <- message:
		default:
		}
	}

	return nil
}

func (m *Memory) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	for _, subscriptions := range m.subscribers {
		for subscription := range subscriptions {
			close(subscription.messages)
		}
	}
	m.subscribers = nil

	return nil
}

func (m *Memory) unsubscribe(subscription *memorySubscription) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	subscriptions, ok := m.subscribers[subscription.channel]
	if !ok {
		return
	}

	if _, ok := subscriptions[subscription]; !ok {
		return
	}

	delete(subscriptions, subscription)
	if len(subscriptions) == 0 {
		delete(m.subscribers, subscription.channel)
	}
	close(subscription.messages)
}

type memorySubscription struct {
	bus      *Memory
	channel  string
	messages chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.messages
}

func (s *memorySubscription) Close() {
	s.bus.unsubscribe(s)
}
