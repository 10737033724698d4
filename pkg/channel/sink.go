package channel

import (
	"errors"
	"sync"
)

var (
	ErrSinkSealed = errors.New("the sink is sealed")
	ErrSinkClosed = errors.New("the receiver has stopped listening")
)

// Messages that are posted into the main loop of a call session by the things it owns
// (peer connections, transports, timers). The sender identifies who posted the message,
// so that the loop can recognize messages coming from a peer connection that was already replaced.
type Message[SenderType comparable, MessageType any] struct {
	// The sender of the message.
	Sender SenderType
	// The content of the message.
	Content MessageType
}

// SinkWithSender posts messages on behalf of a fixed sender. Callers can't alter the sender, so a
// torn down peer connection can't impersonate its replacement.
type SinkWithSender[SenderType comparable, MessageType any] struct {
	sender      SenderType
	messageSink chan<- Message[SenderType, MessageType]
	// Closed by the receiver once it stops reading, so that senders never block forever.
	receiverDone <-chan struct{}

	sealOnce sync.Once
	sealed   chan struct{}
}

// Creates a new sink. The sink is not responsible for closing `messageSink`.
func NewSink[S comparable, M any](
	sender S,
	messageSink chan<- Message[S, M],
	receiverDone <-chan struct{},
) *SinkWithSender[S, M] {
	return &SinkWithSender[S, M]{
		sender:       sender,
		messageSink:  messageSink,
		receiverDone: receiverDone,
		sealed:       make(chan struct{}),
	}
}

// Sends a message to the sink. Blocks while the sink is full, unless the sink gets sealed
// or the receiver stops listening.
func (s *SinkWithSender[S, M]) Send(message M) error {
	select {
	case <-s.sealed:
		return ErrSinkSealed
	default:
	}

	select {
	case <-s.sealed:
		return ErrSinkSealed
	case <-s.receiverDone:
		return ErrSinkClosed
	case s.messageSink <- Message[S, M]{Sender: s.sender, Content: message}:
		return nil
	}
}

// Seals the sink: this sender can't send anything anymore, other senders of the same
// underlying channel are not affected.
func (s *SinkWithSender[S, M]) Seal() {
	s.sealOnce.Do(func() { close(s.sealed) })
}
