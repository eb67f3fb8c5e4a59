package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Microphone is an acquired capture device. Close releases it.
type Microphone interface {
	Track() webrtc.TrackLocal
	Close() error
}

// MediaDevices gives access to the local audio input.
type MediaDevices interface {
	// RegisterCodecs adds the codecs the microphone track can produce.
	RegisterCodecs(m *webrtc.MediaEngine) error

	// OpenMicrophone fails with ErrMediaAccessDenied or ErrDeviceUnavailable.
	OpenMicrophone(ctx context.Context) (Microphone, error)
}

const silenceFrameDuration = 20 * time.Millisecond

// An Opus packet carrying one 20ms frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Silence is a microphone that never records anything. It lets headless peers and
// tests take part in calls without a capture device.
type Silence struct{}

func (Silence) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (Silence) OpenMicrophone(context.Context) (Microphone, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "peercall")
	if err != nil {
		return nil, err
	}

	mic := &silentMicrophone{
		track: track,
		done:  make(chan struct{}),
	}

	go mic.run()

	return mic, nil
}

type silentMicrophone struct {
	track *webrtc.TrackLocalStaticSample

	done chan struct{}
	once sync.Once
}

func (m *silentMicrophone) Track() webrtc.TrackLocal {
	return m.track
}

func (m *silentMicrophone) Close() error {
	m.once.Do(func() { close(m.done) })

	return nil
}

func (m *silentMicrophone) run() {
	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}

		// Writes before the track is bound are dropped by pion.
		_ = m.track.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrameDuration})
	}
}
