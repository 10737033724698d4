package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Manager hands out the local media of a single call. One manager per call session.
type Manager struct {
	device Device
	logger *logrus.Entry

	mutex    sync.Mutex
	acquired bool
	current  *Stream
}

func NewManager(device Device, logger *logrus.Entry) *Manager {
	return &Manager{device: device, logger: logger}
}

// Acquires the camera and the microphone. May only be called once per manager.
func (m *Manager) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	m.mutex.Lock()
	if m.acquired {
		m.mutex.Unlock()
		return nil, ErrAlreadyAcquired
	}
	m.acquired = true
	m.mutex.Unlock()

	sources, err := m.device.Open(ctx, constraints)
	if err != nil {
		m.logger.WithError(err).Warn("failed to acquire local media")
		return nil, err
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: device produced no tracks", ErrDeviceUnavailable)
	}

	stream := &Stream{}
	for _, source := range sources {
		stream.tracks = append(stream.tracks, &Track{
			gate: newGatedTrack(source.Track),
			stop: source.Stop,
		})
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Released (or torn down) while we were waiting for the device.
	if ctx.Err() != nil {
		m.releaseLocked(stream)
		return nil, ctx.Err()
	}

	m.current = stream
	m.logger.WithField("tracks", len(stream.tracks)).Info("local media acquired")
	return stream, nil
}

// The live stream, if any. The negotiation reads the tracks from here, not from a copy.
func (m *Manager) Current() *Stream {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.current
}

// Flips the camera on or off. Returns whether the camera is now enabled.
func (m *Manager) ToggleVideo(stream *Stream) bool {
	if stream == nil {
		return false
	}

	enabled := stream.toggle(webrtc.RTPCodecTypeVideo)
	m.logger.WithField("enabled", enabled).Debug("video toggled")
	return enabled
}

// Flips the microphone on or off. Returns whether the microphone is now enabled.
func (m *Manager) ToggleAudio(stream *Stream) bool {
	if stream == nil {
		return false
	}

	enabled := stream.toggle(webrtc.RTPCodecTypeAudio)
	m.logger.WithField("enabled", enabled).Debug("audio toggled")
	return enabled
}

// Stops every track of the stream. Each track is stopped exactly once, whoever calls this first.
func (m *Manager) Release(stream *Stream) {
	if stream == nil {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.releaseLocked(stream)
}

func (m *Manager) releaseLocked(stream *Stream) {
	for _, track := range stream.tracks {
		if err := track.release(); err != nil {
			m.logger.WithError(err).Warn("failed to stop local track")
		}
	}

	if m.current == stream {
		m.current = nil
	}
}

// Codecs of the device, for the peer connection factory.
func (m *Manager) RegisterCodecs(mediaEngine *webrtc.MediaEngine) error {
	return m.device.RegisterCodecs(mediaEngine)
}

// A device that never works, for the clients that only want to receive.
type NoDevice struct{}

func (NoDevice) Open(context.Context, Constraints) ([]Source, error) {
	return nil, ErrDeviceUnavailable
}

func (NoDevice) RegisterCodecs(mediaEngine *webrtc.MediaEngine) error {
	return mediaEngine.RegisterDefaultCodecs()
}
