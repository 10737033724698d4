package call

import (
	"github.com/matrix-org/duet/pkg/channel"
	"github.com/matrix-org/duet/pkg/peer"
	"github.com/matrix-org/duet/pkg/webrtc_ext"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Messages of a peer connection, tagged with the generation of the peer that sent them.
type PeerSink = channel.SinkWithSender[uint64, peer.MessageContent]

// Connection is the peer connection as seen by the session.
type Connection interface {
	CreateOffer() (string, error)
	ApplyOffer(sdp string) error
	CreateAnswer() (string, error)
	ApplyAnswer(sdp string) error
	HasRemoteDescription() bool
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Terminate()
}

// PeerConnector builds peer connections that send the given tracks and report to the sink.
type PeerConnector interface {
	Connect(tracks []webrtc.TrackLocal, sink *PeerSink, logger *logrus.Entry) (Connection, error)
}

// Builds pion peer connections.
type FactoryConnector struct {
	Factory *webrtc_ext.PeerConnectionFactory
}

func (c FactoryConnector) Connect(tracks []webrtc.TrackLocal, sink *PeerSink, logger *logrus.Entry) (Connection, error) {
	p, err := peer.NewPeer(c.Factory, tracks, sink, logger)
	if err != nil {
		return nil, err
	}

	return p, nil
}
