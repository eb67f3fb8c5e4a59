//go:build linux && cgo

package peer

import (
	"context"

	"peercall/pkg/log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Capture records the default system microphone through pion/mediadevices and encodes
// it with Opus.
type Capture struct {
	codecs *mediadevices.CodecSelector
}

func NewCapture() (*Capture, error) {
	params, err := opus.NewParams()
	if err != nil {
		return nil, errors.Wrap(err, "opus params")
	}

	return &Capture{
		codecs: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&params)),
	}, nil
}

func (c *Capture) RegisterCodecs(m *webrtc.MediaEngine) error {
	c.codecs.Populate(m)

	return nil
}

func (c *Capture) OpenMicrophone(context.Context) (Microphone, error) {
	found := false

	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.AudioInput {
			log.Debugf("audio input: %q", d.Label)

			found = true
		}
	}

	if !found {
		return nil, ErrDeviceUnavailable
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: c.codecs,
	})
	if err != nil {
		return nil, errors.Wrap(ErrMediaAccessDenied, err.Error())
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrDeviceUnavailable
	}

	for _, t := range tracks[1:] {
		_ = t.Close()
	}

	track := tracks[0]

	track.OnEnded(func(err error) {
		if err != nil {
			log.Warnf("microphone track ended: %s", err)
		}
	})

	return &captureMicrophone{track: track}, nil
}

type captureMicrophone struct {
	track mediadevices.Track
}

func (m *captureMicrophone) Track() webrtc.TrackLocal {
	return m.track
}

func (m *captureMicrophone) Close() error {
	return m.track.Close()
}
