package peer

import (
	"errors"

	"github.com/matrix-org/duet/pkg/channel"
	"github.com/matrix-org/duet/pkg/webrtc_ext"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrCantCreatePeerConnection   = errors.New("can't create peer connection")
	ErrCantSetRemoteDescription   = errors.New("can't set remote description")
	ErrCantCreateOffer            = errors.New("can't create offer")
	ErrCantCreateAnswer           = errors.New("can't create answer")
	ErrCantSetLocalDescription    = errors.New("can't set local description")
	ErrCantCreateLocalDescription = errors.New("can't create local description")
	ErrCantAddTrack               = errors.New("can't add track")
	ErrCantAddICECandidate        = errors.New("can't add ICE candidate")
)

// A wrapped representation of the peer connection (the remote participant of the call).
// The peer gets information about the things happening outside via public methods
// and informs the outside world about the things happening inside the peer by posting
// the messages to the sink.
type Peer[ID comparable] struct {
	logger         *logrus.Entry
	peerConnection *webrtc.PeerConnection
	sink           *channel.SinkWithSender[ID, MessageContent]
}

// Instantiates a new peer that sends the given local tracks to the remote participant.
func NewPeer[ID comparable](
	factory *webrtc_ext.PeerConnectionFactory,
	tracks []webrtc.TrackLocal,
	sink *channel.SinkWithSender[ID, MessageContent],
	logger *logrus.Entry,
) (*Peer[ID], error) {
	peerConnection, err := factory.CreatePeerConnection()
	if err != nil {
		logger.WithError(err).Error("failed to create peer connection")
		return nil, ErrCantCreatePeerConnection
	}

	peer := &Peer[ID]{
		logger:         logger,
		peerConnection: peerConnection,
		sink:           sink,
	}

	peerConnection.OnTrack(peer.onRtpTrackReceived)
	peerConnection.OnICECandidate(peer.onICECandidateGathered)
	peerConnection.OnICEConnectionStateChange(peer.onICEConnectionStateChanged)
	peerConnection.OnICEGatheringStateChange(peer.onICEGatheringStateChanged)
	peerConnection.OnConnectionStateChange(peer.onConnectionStateChanged)
	peerConnection.OnSignalingStateChange(peer.onSignalingStateChanged)

	for _, track := range tracks {
		if _, err := peerConnection.AddTrack(track); err != nil {
			logger.WithError(err).WithField("track_id", track.ID()).Error("failed to add track")
			peer.Terminate()
			return nil, ErrCantAddTrack
		}
	}

	// Receive the remote media even if we have nothing to send ourselves.
	if len(tracks) == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if _, err := peerConnection.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				logger.WithError(err).Warn("failed to add receive-only transceiver")
			}
		}
	}

	return peer, nil
}

// Closes peer connection. From this moment on, no new messages will be sent from the peer.
func (p *Peer[ID]) Terminate() {
	// Seal first: callbacks triggered by closing are of no interest to anyone.
	p.sink.Seal()

	if err := p.peerConnection.Close(); err != nil {
		p.logger.WithError(err).Error("failed to close peer connection")
	}
}

// Creates an offer and sets it as the local description.
func (p *Peer[ID]) CreateOffer() (string, error) {
	offer, err := p.peerConnection.CreateOffer(nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to create offer")
		return "", ErrCantCreateOffer
	}

	return p.setLocalDescription(offer)
}

// Applies the SDP offer received from the remote peer.
func (p *Peer[ID]) ApplyOffer(sdpOffer string) error {
	return p.setRemoteDescription(webrtc.SDPTypeOffer, sdpOffer)
}

// Creates an answer to the applied remote offer and sets it as the local description.
func (p *Peer[ID]) CreateAnswer() (string, error) {
	answer, err := p.peerConnection.CreateAnswer(nil)
	if err != nil {
		p.logger.WithError(err).Error("failed to create answer")
		return "", ErrCantCreateAnswer
	}

	return p.setLocalDescription(answer)
}

// Applies the SDP answer received from the remote peer.
func (p *Peer[ID]) ApplyAnswer(sdpAnswer string) error {
	return p.setRemoteDescription(webrtc.SDPTypeAnswer, sdpAnswer)
}

func (p *Peer[ID]) HasRemoteDescription() bool {
	return p.peerConnection.RemoteDescription() != nil
}

// Processes a remote ICE candidate. Must only be called once the remote description is set.
func (p *Peer[ID]) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.peerConnection.AddICECandidate(candidate); err != nil {
		p.logger.WithError(err).Error("failed to add ICE candidate")
		return ErrCantAddICECandidate
	}

	return nil
}

func (p *Peer[ID]) setRemoteDescription(sdpType webrtc.SDPType, sdp string) error {
	err := p.peerConnection.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  sdp,
	})
	if err != nil {
		p.logger.WithError(err).WithField("type", sdpType).Error("failed to set remote description")
		return ErrCantSetRemoteDescription
	}

	return nil
}

func (p *Peer[ID]) setLocalDescription(description webrtc.SessionDescription) (string, error) {
	if err := p.peerConnection.SetLocalDescription(description); err != nil {
		p.logger.WithError(err).Error("failed to set local description")
		return "", ErrCantSetLocalDescription
	}

	// Candidates are trickled, no need to wait for the gathering to complete.
	local := p.peerConnection.LocalDescription()
	if local == nil {
		p.logger.Error("could not generate a local description")
		return "", ErrCantCreateLocalDescription
	}

	return local.SDP, nil
}
