package call

import (
	"fmt"

	"github.com/matrix-org/duet/pkg/channel"
	"github.com/matrix-org/duet/pkg/metrics"
	"github.com/matrix-org/duet/pkg/notify"
	"github.com/matrix-org/duet/pkg/peer"
	"github.com/matrix-org/duet/pkg/signaling"
	"github.com/pion/webrtc/v4"
)

// Sends the one and only offer of the initiator. Triggered by whichever comes first: the callee
// announcing itself or the settle delay.
func (s *Session) startOffer() {
	if s.role != signaling.RoleInitiator || s.state != StateCalling || s.peer != nil {
		return
	}

	if s.settle != nil {
		s.settle.Stop()
	}

	if err := s.buildPeer(); err != nil {
		s.failNegotiation(err)
		return
	}

	sdp, err := s.peer.CreateOffer()
	if err != nil {
		s.failNegotiation(err)
		return
	}

	s.logger.Info("sending offer")
	s.transport.Send(signaling.Offer{SDP: sdp})
}

// The first announcement of the callee triggers the offer, unless a peer connection already
// exists for the room: an offer is never sent twice.
func (s *Session) processCalleeReady() {
	if s.role != signaling.RoleInitiator || s.calleeReady {
		return
	}
	s.calleeReady = true

	if s.peer != nil {
		s.logger.Debug("callee is ready, offer already sent")
		metrics.StaleMessages.WithLabelValues("late-callee-ready").Inc()
		return
	}

	s.logger.Debug("callee is ready")
	s.startOffer()
}

// Callee: answers an offer. A repeated offer is ignored, a new one replaces the peer connection.
func (s *Session) processOffer(offer signaling.Offer) {
	if s.role != signaling.RoleCallee || (s.state != StateRinging && s.state != StateConnecting) {
		s.logger.WithField("state", s.state).Debug("ignoring offer")
		metrics.StaleMessages.WithLabelValues("unexpected-offer").Inc()
		return
	}

	if s.peer != nil && offer.SDP == s.remoteOffer {
		s.logger.Debug("ignoring repeated offer")
		metrics.StaleMessages.WithLabelValues("repeated-offer").Inc()
		return
	}

	if s.state == StateRinging {
		s.transition(StateConnecting)
	}

	if err := s.buildPeer(); err != nil {
		s.failNegotiation(err)
		return
	}

	if err := s.peer.ApplyOffer(offer.SDP); err != nil {
		s.failNegotiation(err)
		return
	}
	s.remoteOffer = offer.SDP

	s.applyPendingCandidates()

	sdp, err := s.peer.CreateAnswer()
	if err != nil {
		s.failNegotiation(err)
		return
	}

	s.logger.Info("sending answer")
	s.transport.Send(signaling.Answer{SDP: sdp})
}

// Initiator: applies the answer to our offer. Only the first answer counts.
func (s *Session) processAnswer(answer signaling.Answer) {
	if s.role != signaling.RoleInitiator || s.peer == nil || s.peer.HasRemoteDescription() {
		s.logger.Debug("ignoring answer")
		metrics.StaleMessages.WithLabelValues("unexpected-answer").Inc()
		return
	}

	if err := s.peer.ApplyAnswer(answer.SDP); err != nil {
		s.failNegotiation(err)
		return
	}

	s.applyPendingCandidates()

	if s.state == StateCalling {
		s.transition(StateConnecting)
	}
}

// Applies a remote candidate right away if the remote description is known, queues it otherwise.
func (s *Session) processRemoteCandidate(candidate webrtc.ICECandidateInit) {
	if s.peer == nil || !s.peer.HasRemoteDescription() {
		if s.candidates.push(candidate) {
			metrics.ICECandidates.WithLabelValues("queued").Inc()
		} else {
			metrics.ICECandidates.WithLabelValues("duplicate").Inc()
		}
		return
	}

	s.addCandidate(candidate)
}

func (s *Session) applyPendingCandidates() {
	pending := s.candidates.drain()
	if len(pending) > 0 {
		s.logger.WithField("count", len(pending)).Debug("applying queued ICE candidates")
	}

	for _, candidate := range pending {
		s.addCandidate(candidate)
	}
}

// A candidate that can't be applied is not fatal: the others may still work.
func (s *Session) addCandidate(candidate webrtc.ICECandidateInit) {
	if err := s.peer.AddICECandidate(candidate); err != nil {
		s.logger.WithError(err).Warn("failed to add remote ICE candidate")
		metrics.ICECandidates.WithLabelValues("rejected").Inc()
		return
	}

	metrics.ICECandidates.WithLabelValues("applied").Inc()
}

// Replaces the peer connection (if any) with a fresh one that sends our local tracks.
func (s *Session) buildPeer() error {
	s.terminatePeer()

	s.generation++
	sink := channel.NewSink[uint64, peer.MessageContent](s.generation, s.peerMessages, s.loopDone)

	conn, err := s.connector.Connect(s.stream.Tracks(), sink, s.logger.WithField("generation", s.generation))
	if err != nil {
		return err
	}

	s.peer = conn
	return nil
}

func (s *Session) terminatePeer() {
	if s.peer == nil {
		return
	}

	s.peer.Terminate()
	s.peer = nil
	s.remoteOffer = ""
}

func (s *Session) failNegotiation(err error) {
	s.fail(fmt.Errorf("%w: %w", ErrNegotiationFailed, err), "negotiation", notify.TextConnectionFailed)
}
