// Package media owns the local camera and microphone of a call: it acquires them once per call,
// mutes and unmutes them without renegotiation, and releases them exactly once.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var (
	// The user (or the operating system) refused access to the devices.
	ErrDeviceDenied = errors.New("media device access denied")
	// There is no device to capture from, or it is busy.
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrAlreadyAcquired   = errors.New("local media is already acquired")
)

// What we ask the devices for.
type Constraints struct {
	Video bool `yaml:"video"`
	Audio bool `yaml:"audio"`
	// Ideal resolution of the camera.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// Audio processing, applied where the capture backend supports it.
	EchoCancellation bool `yaml:"echoCancellation"`
	NoiseSuppression bool `yaml:"noiseSuppression"`
	AutoGainControl  bool `yaml:"autoGainControl"`
}

func DefaultConstraints() Constraints {
	return Constraints{
		Video:            true,
		Audio:            true,
		Width:            1280,
		Height:           720,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// A track produced by a device, together with the means to stop the capture.
type Source struct {
	Track webrtc.TrackLocal
	Stop  func() error
}

// Device is where the local media comes from.
type Device interface {
	// Opens the device according to the constraints. Returns `ErrDeviceDenied` or `ErrDeviceUnavailable`.
	Open(ctx context.Context, constraints Constraints) ([]Source, error)
	// Registers the codecs the tracks of this device are encoded with.
	RegisterCodecs(mediaEngine *webrtc.MediaEngine) error
}

// A local track that can be disabled without being removed from the peer connection.
type Track struct {
	gate     *gatedTrack
	stop     func() error
	stopOnce sync.Once
	stopped  atomic.Bool
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.gate.Kind()
}

func (t *Track) Enabled() bool {
	return t.gate.enabled.Load()
}

func (t *Track) Stopped() bool {
	return t.stopped.Load()
}

func (t *Track) setEnabled(enabled bool) {
	t.gate.enabled.Store(enabled)
}

func (t *Track) release() error {
	var err error
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.stop != nil {
			err = t.stop()
		}
	})

	return err
}

// The local media stream of a call.
type Stream struct {
	tracks []*Track
}

// The tracks to be added to the peer connection.
func (s *Stream) Tracks() []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, track := range s.tracks {
		tracks = append(tracks, track.gate)
	}

	return tracks
}

func (s *Stream) VideoEnabled() bool {
	return s.enabled(webrtc.RTPCodecTypeVideo)
}

func (s *Stream) AudioEnabled() bool {
	return s.enabled(webrtc.RTPCodecTypeAudio)
}

func (s *Stream) enabled(kind webrtc.RTPCodecType) bool {
	for _, track := range s.tracks {
		if track.Kind() == kind && track.Enabled() {
			return true
		}
	}

	return false
}

// Flips the `enabled` flag of every track of a kind. Returns the new state.
// Streams without tracks of that kind stay disabled.
func (s *Stream) toggle(kind webrtc.RTPCodecType) bool {
	enabled := !s.enabled(kind)
	found := false
	for _, track := range s.tracks {
		if track.Kind() == kind {
			track.setEnabled(enabled)
			found = true
		}
	}

	return found && enabled
}
