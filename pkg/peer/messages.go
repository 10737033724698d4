package peer

import (
	"github.com/pion/webrtc/v4"
)

// Everything a peer reports to its owner. The owner switches on the concrete type.
type MessageContent = any

type NewICECandidate struct {
	Candidate webrtc.ICECandidateInit
}

type ICEGatheringComplete struct{}

type ICEConnectionStateChanged struct {
	State webrtc.ICEConnectionState
}

type RemoteTrackReceived struct {
	TrackInfo
}

type RemoteTrackEnded struct {
	TrackInfo
}
