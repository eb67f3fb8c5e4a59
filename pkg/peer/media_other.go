//go:build !linux || !cgo

package peer

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Capture is only available on Linux builds with cgo; elsewhere every attempt to open
// the microphone reports that no device exists.
type Capture struct{}

func NewCapture() (*Capture, error) {
	return &Capture{}, nil
}

func (c *Capture) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (c *Capture) OpenMicrophone(context.Context) (Microphone, error) {
	return nil, ErrDeviceUnavailable
}
