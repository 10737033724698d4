//go:build !mediadevices

package media

import (
	"errors"

	"github.com/sirupsen/logrus"
)

var ErrCaptureNotSupported = errors.New("built without camera and microphone support (use the mediadevices build tag)")

func NewCaptureDevice(*logrus.Entry) (Device, error) {
	return nil, ErrCaptureNotSupported
}
