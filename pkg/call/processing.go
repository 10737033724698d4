package call

import (
	"errors"
	"time"

	"github.com/matrix-org/duet/pkg/channel"
	"github.com/matrix-org/duet/pkg/common"
	"github.com/matrix-org/duet/pkg/media"
	"github.com/matrix-org/duet/pkg/metrics"
	"github.com/matrix-org/duet/pkg/notify"
	"github.com/matrix-org/duet/pkg/peer"
	"github.com/matrix-org/duet/pkg/signaling"
	"github.com/matrix-org/duet/pkg/store"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type command interface{}

type hangupCommand struct{}

type initResult struct {
	stream    *media.Stream
	transport *signaling.Transport
	err       error
}

// Acquires the local media and opens the signaling transport concurrently. If either fails,
// whatever the other one got is released.
func (s *Session) initialize() {
	var (
		stream    *media.Stream
		transport *signaling.Transport
	)

	group, ctx := errgroup.WithContext(s.ctx)
	group.Go(func() (err error) {
		stream, err = s.media.Acquire(ctx, s.constraints)
		return err
	})
	group.Go(func() (err error) {
		transport, err = signaling.Open(ctx, s.bus, s.endpoint, s.signaling)
		return err
	})

	result := initResult{stream: stream, transport: transport, err: group.Wait()}
	if result.err != nil {
		result.release(s.media)
		result.stream, result.transport = nil, nil
	}

	select {
	case s.initialized <- result:
	case <-s.loopDone:
		// Torn down while we were initializing.
		result.release(s.media)
	}
}

func (r initResult) release(manager *media.Manager) {
	if r.stream != nil {
		manager.Release(r.stream)
	}

	if r.transport != nil {
		r.transport.Close()
	}
}

// The main loop of the session. Everything that changes the state of the session happens here.
// If this function returns, the session is over.
func (s *Session) processMessages() {
	defer s.finish()

	for {
		select {
		case result := <-s.initialized:
			s.processInitResult(result)
		case msg := <-s.peerMessages:
			s.processPeerMessage(msg)
		case envelope := <-s.signalingMessages:
			s.processSignalingMessage(envelope)
		case cmd := <-s.commands:
			s.processCommand(cmd)
		case <-s.settleElapsed:
			s.logger.Debug("settle delay elapsed")
			s.startOffer()
		case change, ok := <-s.recordChanges:
			if !ok {
				s.recordChanges = nil
				continue
			}
			s.processRecordChange(change)
		case <-s.ctx.Done():
			s.hangup()
		}

		s.updateSnapshot()

		if s.state.IsTerminal() {
			return
		}
	}
}

func (s *Session) processInitResult(result initResult) {
	if result.err != nil {
		switch {
		case errors.Is(result.err, media.ErrDeviceDenied):
			s.fail(result.err, "media-denied", notify.TextMediaDenied)
		case errors.Is(result.err, media.ErrDeviceUnavailable):
			s.fail(result.err, "media-unavailable", notify.TextMediaUnavailable)
		case errors.Is(result.err, signaling.ErrSignalingUnavailable):
			s.fail(result.err, "signaling-unavailable", notify.TextSignalingFailed)
		default:
			s.fail(result.err, "initialization", notify.TextSignalingFailed)
		}
		return
	}

	s.stream = result.stream
	s.transport = result.transport

	for _, kind := range []signaling.Kind{
		signaling.KindOffer,
		signaling.KindAnswer,
		signaling.KindICECandidate,
		signaling.KindCalleeReady,
		signaling.KindCallEnded,
	} {
		if err := s.transport.OnMessage(kind, s.enqueueSignalingMessage); err != nil {
			s.logger.WithError(err).Error("failed to register signaling handler")
		}
	}

	if s.role == signaling.RoleCallee {
		s.transition(StateRinging)
		return
	}

	s.transition(StateCalling)

	if delay, enabled := s.config.settleDelay(); enabled {
		s.settle = common.CountdownConfig{
			Timeout: delay,
			OnTimeout: func() {
				select {
				case s.settleElapsed <- struct{}{}:
				default:
				}
			},
		}.Start()
	}
}

// Called from the transport's receive goroutine.
func (s *Session) enqueueSignalingMessage(envelope signaling.Envelope) {
	select {
	case s.signalingMessages <- envelope:
	case <-s.loopDone:
	}
}

func (s *Session) processSignalingMessage(envelope signaling.Envelope) {
	switch msg := envelope.Message.(type) {
	case signaling.CalleeReady:
		s.processCalleeReady()
	case signaling.Offer:
		s.processOffer(msg)
	case signaling.Answer:
		s.processAnswer(msg)
	case signaling.ICECandidate:
		s.processRemoteCandidate(msg.Candidate)
	case signaling.CallEnded:
		s.logger.WithField("reason", msg.Reason).Info("partner ended the call")
		s.teardown(StateEnded, ErrRemoteHangup, notify.TextPartnerEnded)
	default:
		s.logger.Errorf("Unexpected signaling message: %T", msg)
	}
}

func (s *Session) processCommand(cmd command) {
	switch cmd.(type) {
	case hangupCommand:
		s.hangup()
	default:
		s.logger.Errorf("Unknown command: %T", cmd)
	}
}

// Process a message from the peer connection. Messages of a replaced peer are ignored.
func (s *Session) processPeerMessage(message channel.Message[uint64, peer.MessageContent]) {
	if s.peer == nil || message.Sender != s.generation {
		s.logger.WithField("generation", message.Sender).Debug("ignoring message of a previous peer connection")
		return
	}

	switch msg := message.Content.(type) {
	case peer.NewICECandidate:
		s.transport.Send(signaling.ICECandidate{Candidate: msg.Candidate})
	case peer.ICEGatheringComplete:
		s.logger.Debug("ICE gathering complete")
	case peer.ICEConnectionStateChanged:
		s.processICEConnectionState(msg.State)
	case peer.RemoteTrackReceived:
		s.logger.WithField("track_id", msg.TrackInfo.TrackID).Info("remote track received")
		s.telemetry.Event("remote track received", attribute.String("kind", msg.TrackInfo.Kind.String()))
	case peer.RemoteTrackEnded:
		s.logger.WithField("track_id", msg.TrackInfo.TrackID).Info("remote track ended")
	default:
		s.logger.Errorf("Unknown message type: %T", msg)
	}
}

func (s *Session) processICEConnectionState(state webrtc.ICEConnectionState) {
	s.telemetry.Event("ICE connection state", attribute.String("state", state.String()))

	switch state {
	case webrtc.ICEConnectionStateChecking:
		if s.state != StateConnecting {
			s.transition(StateConnecting)
		}
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if s.state == StateConnected {
			return
		}

		if s.state == StateCalling || s.state == StateRinging {
			s.transition(StateConnecting)
		}

		if s.transition(StateConnected) {
			s.everConnected = true
			s.notifier.Notify(notify.Toast(s.roomID, notify.TextConnected))
		}
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		s.fail(ErrConnectionFailed, "ice-"+state.String(), notify.TextConnectionFailed)
	}
}

// The record is only consulted for terminal statuses: it tells us that the partner is gone
// even when the signaling channel does not.
func (s *Session) processRecordChange(change store.Change) {
	record := change.Record
	if record.RoomID != s.roomID || !record.Status.IsTerminal() {
		return
	}

	s.logger.WithField("status", record.Status).Info("call record reached a terminal status")

	switch {
	case record.Status == store.StatusFailed:
		s.teardown(StateFailed, ErrConnectionFailed, notify.TextConnectionFailed)
	case s.everConnected:
		s.teardown(StateEnded, ErrRemoteHangup, notify.TextPartnerEnded)
	case s.role == signaling.RoleInitiator:
		s.teardown(StateEnded, ErrRemoteHangup, notify.TextCallDeclined)
	default:
		s.teardown(StateEnded, ErrRemoteHangup, notify.TextCallCanceled)
	}
}

// Applies a transition, returns `false` if it is not allowed from the current state.
func (s *Session) transition(to State) bool {
	from := s.state
	if !CanTransition(from, to) {
		s.logger.WithError(ErrIllegalTransition).Warnf("refusing transition from %s to %s", from, to)
		return false
	}

	s.state = to
	s.updateSnapshot()

	s.logger.WithField("state", to).Infof("call state: %s -> %s", from, to)
	s.telemetry.Transition(string(from), string(to))
	metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()

	if status, ok := to.recordStatus(); ok {
		s.records.persist(status)
	}

	s.notifier.Notify(notify.Notification{
		Kind:   notify.KindCallState,
		RoomID: s.roomID,
		State:  string(to),
		At:     time.Now(),
	})

	return true
}
