package peer

import (
	"github.com/pion/webrtc/v4"
)

// Local candidates are trickled to the partner as they are gathered; `nil` marks the end of the
// gathering.
func (p *Peer[ID]) onICECandidateGathered(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		p.sink.Send(ICEGatheringComplete{})
		return
	}

	p.logger.WithField("candidate", candidate.String()).Debug("local ICE candidate")
	p.sink.Send(NewICECandidate{Candidate: candidate.ToJSON()})
}

// The only state the call reacts to, the other ones are logged.
func (p *Peer[ID]) onICEConnectionStateChanged(state webrtc.ICEConnectionState) {
	p.logger.WithField("ice_state", state.String()).Info("ICE connection state changed")
	p.sink.Send(ICEConnectionStateChanged{State: state})
}

func (p *Peer[ID]) onICEGatheringStateChanged(state webrtc.ICEGatheringState) {
	p.logger.WithField("gathering_state", state.String()).Debug("ICE gathering state changed")
}

func (p *Peer[ID]) onSignalingStateChanged(state webrtc.SignalingState) {
	p.logger.WithField("signaling_state", state.String()).Debug("signaling state changed")
}

func (p *Peer[ID]) onConnectionStateChanged(state webrtc.PeerConnectionState) {
	p.logger.WithField("connection_state", state.String()).Debug("connection state changed")
}
