package common

import (
	"sync"
	"time"
)

// Configuration for the countdown.
type CountdownConfig struct {
	// Time after which `OnTimeout` is called.
	Timeout time.Duration
	// A closure that is called once `Timeout` is reached (unless the countdown is stopped before).
	OnTimeout func()
}

// A one-shot countdown that either fires or gets stopped, never both. Used for the ring timeout
// where the expiration must win over a late accept, and for the settle delay before the first offer.
type Countdown struct {
	mutex   sync.Mutex
	timer   *time.Timer
	fired   bool
	stopped bool
}

// Starts a countdown that executes `c.OnTimeout` after `c.Timeout` unless `Stop` is called first.
func (c CountdownConfig) Start() *Countdown {
	countdown := &Countdown{}

	countdown.mutex.Lock()
	defer countdown.mutex.Unlock()

	countdown.timer = time.AfterFunc(c.Timeout, func() {
		countdown.mutex.Lock()
		if countdown.stopped {
			countdown.mutex.Unlock()
			return
		}
		countdown.fired = true
		countdown.mutex.Unlock()

		c.OnTimeout()
	})

	return countdown
}

// Stops the countdown. Returns `true` if the countdown was stopped before it fired,
// `false` if it already fired (or was already stopped). Safe to call multiple times.
func (c *Countdown) Stop() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.fired || c.stopped {
		return false
	}

	c.stopped = true
	c.timer.Stop()
	return true
}

// Returns `true` if the countdown has reached its timeout.
func (c *Countdown) Fired() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.fired
}
