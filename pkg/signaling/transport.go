/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matrix-org/duet/pkg/metrics"
	"github.com/matrix-org/duet/pkg/signaling/bus"
	"github.com/matrix-org/duet/pkg/worker"
	"github.com/sirupsen/logrus"
)

var (
	ErrSignalingUnavailable     = errors.New("signaling transport is unavailable")
	ErrHandlerAlreadyRegistered = errors.New("a handler for this message kind is already registered")
)

// Configuration of the signaling transport.
type Config struct {
	// How long to wait for the bus to acknowledge the subscription (in milliseconds).
	SubscribeTimeout int `yaml:"subscribeTimeout"`
	// Timeout of a single publish (in milliseconds).
	PublishTimeout int `yaml:"publishTimeout"`
	// Bus backend.
	Bus bus.Config `yaml:"bus"`
}

const (
	defaultSubscribeTimeout = 10 * time.Second
	defaultPublishTimeout   = 5 * time.Second
	// Outgoing messages that may wait for the bus. ICE gathering bursts stay well below that.
	sendQueueSize = 128
	// Messages of a kind nobody listens to yet are kept until a handler is registered.
	maxPendingPerKind = 32
)

// Who we are within a room and who we talk to.
type Endpoint struct {
	RoomID   string
	LocalID  string
	RemoteID string
	Role     Role
}

type Handler func(Envelope)

// Transport is a signaling handle scoped to a single room. It is the only thing in a call that
// talks to the bus; it filters out everything that is not addressed to us.
type Transport struct {
	endpoint     Endpoint
	bus          bus.Bus
	subscription bus.Subscription
	logger       *logrus.Entry
	sender       *worker.Worker[Envelope]

	mutex    sync.Mutex
	handlers map[Kind]Handler
	pending  map[Kind][]Envelope
	closed   bool

	closeOnce sync.Once
}

// Subscribes to the room channel and returns once the bus acknowledged the subscription.
// The callee announces itself with `CalleeReady` right after that.
func Open(ctx context.Context, b bus.Bus, endpoint Endpoint, config Config) (*Transport, error) {
	subscribeTimeout := time.Duration(config.SubscribeTimeout) * time.Millisecond
	if subscribeTimeout <= 0 {
		subscribeTimeout = defaultSubscribeTimeout
	}

	publishTimeout := time.Duration(config.PublishTimeout) * time.Millisecond
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}

	logger := logrus.WithFields(logrus.Fields{
		"room_id": endpoint.RoomID,
		"local":   endpoint.LocalID,
		"remote":  endpoint.RemoteID,
		"role":    endpoint.Role,
	})

	subscribeCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	subscription, err := b.Subscribe(subscribeCtx, endpoint.RoomID)
	if err != nil {
		logger.WithError(err).Warn("signaling subscription failed")
		return nil, fmt.Errorf("%w: %v", ErrSignalingUnavailable, err)
	}

	transport := &Transport{
		endpoint:     endpoint,
		bus:          b,
		subscription: subscription,
		logger:       logger,
		handlers:     make(map[Kind]Handler),
		pending:      make(map[Kind][]Envelope),
	}

	transport.sender = worker.StartWorker(worker.Config[Envelope]{
		ChannelSize: sendQueueSize,
		OnTask: func(envelope Envelope) {
			transport.publish(envelope, publishTimeout)
		},
	})

	go transport.receive()

	logger.Info("signaling subscription acknowledged")

	if endpoint.Role == RoleCallee {
		transport.Send(CalleeReady{})
	}

	return transport, nil
}

func (t *Transport) Endpoint() Endpoint {
	return t.endpoint
}

// Registers the handler of a message kind. Only one handler per kind is allowed. Messages of that
// kind that arrived before the registration are delivered right away.
func (t *Transport) OnMessage(kind Kind, handler Handler) error {
	t.mutex.Lock()
	if _, ok := t.handlers[kind]; ok {
		t.mutex.Unlock()
		return ErrHandlerAlreadyRegistered
	}

	t.handlers[kind] = handler
	pending := t.pending[kind]
	delete(t.pending, kind)
	t.mutex.Unlock()

	for _, envelope := range pending {
		handler(envelope)
	}

	return nil
}

// Sends a message to the remote participant. Fire and forget: failures are logged, never returned,
// since the bus does not guarantee delivery anyway.
func (t *Transport) Send(message Message) {
	envelope := Envelope{
		RoomID:  t.endpoint.RoomID,
		From:    t.endpoint.LocalID,
		To:      t.endpoint.RemoteID,
		Message: message,
	}

	if err := t.sender.Send(envelope); err != nil {
		t.logger.WithError(err).WithField("kind", message.Kind()).Warn("dropping outgoing signaling message")
	}
}

// Unsubscribes from the room. Messages that were already queued for sending are still sent.
// Safe to call multiple times.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mutex.Lock()
		t.closed = true
		t.handlers = nil
		t.pending = nil
		t.mutex.Unlock()

		t.sender.Stop()
		t.subscription.Close()
		t.logger.Debug("signaling transport closed")
	})
}

func (t *Transport) publish(envelope Envelope, timeout time.Duration) {
	data, err := Encode(envelope)
	if err != nil {
		t.logger.WithError(err).Error("failed to encode signaling message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := t.bus.Publish(ctx, t.endpoint.RoomID, data); err != nil {
		t.logger.WithError(err).WithField("kind", envelope.Kind()).Warn("failed to publish signaling message")
		return
	}

	metrics.SignalingMessages.WithLabelValues("out", string(envelope.Kind())).Inc()
}

func (t *Transport) receive() {
	for data := range t.subscription.Messages() {
		envelope, err := Decode(data)
		if err != nil {
			t.logger.WithError(err).Warn("ignoring undecodable signaling message")
			metrics.StaleMessages.WithLabelValues("malformed").Inc()
			continue
		}

		if reason := t.staleReason(envelope); reason != "" {
			t.logger.WithFields(logrus.Fields{
				"kind":   envelope.Kind(),
				"from":   envelope.From,
				"to":     envelope.To,
				"reason": reason,
			}).Debug("ignoring stale signaling message")
			metrics.StaleMessages.WithLabelValues(reason).Inc()
			continue
		}

		metrics.SignalingMessages.WithLabelValues("in", string(envelope.Kind())).Inc()
		t.dispatch(envelope)
	}
}

// Our own broadcasts come back to us, and a room is two-party only: only the messages of our
// partner that are addressed to us are processed.
func (t *Transport) staleReason(envelope Envelope) string {
	switch {
	case envelope.RoomID != t.endpoint.RoomID:
		return "wrong-room"
	case envelope.From == t.endpoint.LocalID:
		return "own-message"
	case envelope.From != t.endpoint.RemoteID:
		return "third-party"
	case envelope.To != t.endpoint.LocalID:
		return "not-for-us"
	default:
		return ""
	}
}

func (t *Transport) dispatch(envelope Envelope) {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return
	}

	handler, ok := t.handlers[envelope.Kind()]
	if !ok {
		if len(t.pending[envelope.Kind()]) < maxPendingPerKind {
			t.pending[envelope.Kind()] = append(t.pending[envelope.Kind()], envelope)
		}
		t.mutex.Unlock()
		return
	}
	t.mutex.Unlock()

	handler(envelope)
}
