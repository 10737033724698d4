package worker

import (
	"errors"
	"sync"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrWorkerStopped = errors.New("worker is stopped")
	ErrWorkerTooBusy = errors.New("worker is already overloaded")
)

// Configuration for the worker.
type Config[T any] struct {
	// The size of the bounded channel.
	ChannelSize int
	// A closure that is executed upon reception of a task.
	OnTask func(T)
}

// A worker executes tasks one by one on its own goroutine, so that the callers
// (the main loop of a call session mostly) never block on the network.
type Worker[T any] struct {
	channel chan<- T
	mutex   sync.Mutex
	stopped bool
	done    <-chan struct{}
}

// Starts a worker. The worker stops once `Stop` is called and the remaining tasks are processed.
func StartWorker[T any](c Config[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for task := range incoming {
			c.OnTask(task)
		}
	}()

	return &Worker[T]{channel: incoming, done: done}
}

// Send a task to the worker without blocking. Tasks sent after `Stop` are rejected.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}

	select {
	case w.channel <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Stop accepting new tasks. Tasks that are already queued are still executed.
// Safe to call multiple times.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.stopped {
		close(w.channel)
		w.stopped = true
	}
}

// Done is closed once the worker has processed its last task after `Stop`.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}
