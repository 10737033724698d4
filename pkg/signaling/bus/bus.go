// Package bus contains the broadcast buses the signaling transport runs on. A bus is a generic
// publish/subscribe medium: no history, no ordering or delivery guarantees, every subscriber of a
// channel (including the publisher itself) may receive what is published on it.
package bus

import (
	"context"
	"errors"
)

var (
	ErrBusClosed          = errors.New("bus is closed")
	ErrSubscriptionFailed = errors.New("subscription was not acknowledged")
)

type Bus interface {
	// Subscribes to a channel. Returns only once the bus acknowledged the subscription, i.e. once
	// messages published by others from now on are expected to reach us.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Publishes a message to everyone subscribed to the channel.
	Publish(ctx context.Context, channel string, data []byte) error
	Close() error
}

type Subscription interface {
	// Messages received on the channel. Closed once the subscription is closed.
	Messages() <-chan []byte
	// Unsubscribes. Idempotent.
	Close()
}

// Configuration of the bus used for signaling.
type Config struct {
	// Either `memory`, `gossip` or `matrix`.
	Backend string `yaml:"backend"`
	// GossipSub configuration (used when the backend is `gossip`).
	Gossip GossipConfig `yaml:"gossip"`
	// Matrix configuration (used when the backend is `matrix`).
	Matrix MatrixConfig `yaml:"matrix"`
}

var ErrUnknownBackend = errors.New("unknown bus backend")

// Creates the bus described by the config.
func Open(ctx context.Context, config Config) (Bus, error) {
	switch config.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "gossip":
		return NewGossip(ctx, config.Gossip)
	case "matrix":
		return NewMatrix(config.Matrix)
	default:
		return nil, ErrUnknownBackend
	}
}
