package call

import (
	"github.com/matrix-org/duet/pkg/metrics"
	"github.com/matrix-org/duet/pkg/notify"
	"github.com/matrix-org/duet/pkg/signaling"
)

// Local hangup: the partner learns it through signaling and through the record.
func (s *Session) hangup() {
	if s.state.IsTerminal() {
		return
	}

	if s.transport != nil {
		s.transport.Send(signaling.CallEnded{Reason: "hangup"})
	}

	s.teardown(StateEnded, nil, notify.TextCallEnded)
}

func (s *Session) fail(err error, cause string, text string) {
	if s.state.IsTerminal() {
		return
	}

	s.logger.WithError(err).Error("call failed")
	s.telemetry.Fail(err)
	metrics.Failures.WithLabelValues(cause).Inc()

	s.teardown(StateFailed, err, text)
}

// Releases everything the session owns. Whatever ends the call first wins, the rest is a no-op.
func (s *Session) teardown(terminal State, cause error, text string) {
	if s.state.IsTerminal() {
		return
	}

	s.transition(terminal)

	if s.settle != nil {
		s.settle.Stop()
	}

	s.terminatePeer()
	s.candidates.clear()

	if s.stream != nil {
		s.media.Release(s.stream)
		s.stream = nil
	}

	s.snapshotMutex.Lock()
	s.snapshot.err = cause
	s.snapshotMutex.Unlock()

	s.notifier.Notify(notify.Toast(s.roomID, text))
}

// Called once the main loop is over.
func (s *Session) finish() {
	// Unblocks everyone who still tries to post into the loop.
	close(s.loopDone)

	// Stopped after the loop so that the handlers of the transport can't block on us.
	if s.transport != nil {
		s.transport.Close()
	}

	s.cancel()
	<-s.records.stop()
	s.telemetry.End(string(s.state))

	s.logger.Info("call session is over")
	close(s.done)
}
