//go:build mediadevices

package media

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// CaptureDevice captures the camera and the microphone of the machine.
type CaptureDevice struct {
	codecSelector *mediadevices.CodecSelector
	logger        *logrus.Entry
}

func NewCaptureDevice(logger *logrus.Entry) (Device, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to configure VP8 encoder: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to configure Opus encoder: %w", err)
	}

	return &CaptureDevice{
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger,
	}, nil
}

func (d *CaptureDevice) Open(ctx context.Context, constraints Constraints) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, fmt.Errorf("%w: no capture devices found", ErrDeviceUnavailable)
	}

	streamConstraints := mediadevices.MediaStreamConstraints{Codec: d.codecSelector}
	if constraints.Video {
		streamConstraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(constraints.Width)
			c.Height = prop.Int(constraints.Height)
		}
	}

	if constraints.Audio {
		// The capture drivers have no audio processing of their own.
		d.logger.WithFields(logrus.Fields{
			"echo_cancellation": constraints.EchoCancellation,
			"noise_suppression": constraints.NoiseSuppression,
			"auto_gain_control": constraints.AutoGainControl,
		}).Debug("audio processing is not available for captured audio")
		streamConstraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(streamConstraints)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrDeviceDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	var sources []Source
	for _, track := range stream.GetTracks() {
		track := track
		track.OnEnded(func(err error) {
			if err != nil {
				d.logger.WithError(err).WithField("kind", track.Kind()).Warn("local track ended")
			}
		})

		sources = append(sources, Source{Track: track, Stop: track.Close})
	}

	return sources, nil
}

func (d *CaptureDevice) RegisterCodecs(mediaEngine *webrtc.MediaEngine) error {
	d.codecSelector.Populate(mediaEngine)
	return nil
}
