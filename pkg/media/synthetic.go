package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Opus frame that decodes to 20 ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Smallest VP8 inter frame header; enough to keep the video track flowing.
var vp8Filler = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}

// SyntheticDevice produces silent audio and filler video without touching any hardware.
// Used by headless clients and tests.
type SyntheticDevice struct {
	// Simulates the outcome of the permission prompt.
	Err error
}

func (d SyntheticDevice) Open(ctx context.Context, constraints Constraints) ([]Source, error) {
	if d.Err != nil {
		return nil, d.Err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := "duet-" + uuid.NewString()

	var sources []Source
	if constraints.Video {
		source, err := syntheticSource(webrtc.MimeTypeVP8, "video", streamID, vp8Filler, time.Second/30)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}

	if constraints.Audio {
		source, err := syntheticSource(webrtc.MimeTypeOpus, "audio", streamID, opusSilence, 20*time.Millisecond)
		if err != nil {
			for _, s := range sources {
				_ = s.Stop()
			}
			return nil, err
		}
		sources = append(sources, source)
	}

	return sources, nil
}

func (SyntheticDevice) RegisterCodecs(mediaEngine *webrtc.MediaEngine) error {
	return mediaEngine.RegisterDefaultCodecs()
}

func syntheticSource(mimeType, id, streamID string, frame []byte, interval time.Duration) (Source, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// Fails only while the track is not bound yet; nothing to do about it.
				_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
			}
		}
	}()

	return Source{
		Track: track,
		Stop: func() error {
			close(stop)
			return nil
		},
	}, nil
}
