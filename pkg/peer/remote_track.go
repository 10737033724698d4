package peer

import (
	"errors"
	"io"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// What the call needs to know about a track of the partner.
type TrackInfo struct {
	TrackID  string
	StreamID string
	Kind     webrtc.RTPCodecType
	MimeType string
}

func trackInfo(track *webrtc.TrackRemote) TrackInfo {
	return TrackInfo{
		TrackID:  track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		MimeType: track.Codec().MimeType,
	}
}

// Called for every track the partner sends. Playback is up to the UI, here the packets are only
// drained so that the receive buffers never fill up.
func (p *Peer[ID]) onRtpTrackReceived(remoteTrack *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	info := trackInfo(remoteTrack)
	logger := p.logger.WithFields(logrus.Fields{"track_id": info.TrackID, "mime_type": info.MimeType})

	p.sink.Send(RemoteTrackReceived{info})

	go func() {
		defer p.sink.Send(RemoteTrackEnded{info})

		for {
			if _, _, err := remoteTrack.ReadRTP(); err != nil {
				if errors.Is(err, io.EOF) {
					logger.Info("remote track closed")
				} else {
					logger.WithError(err).Debug("stopped reading from remote track")
				}
				return
			}
		}
	}()
}
