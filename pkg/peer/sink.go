package peer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"peercall/pkg/log"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/pkg/errors"
)

// Sink plays back a remote track. Play blocks until the track ends.
type Sink interface {
	Play(conversationID string, track *webrtc.TrackRemote) error
}

// DiscardSink reads and drops remote audio so that the receiver keeps flowing.
type DiscardSink struct{}

func (DiscardSink) Play(_ string, track *webrtc.TrackRemote) error {
	buf := make([]byte, 1500)

	for {
		if _, _, err := track.Read(buf); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}
	}
}

// OggRecorder writes every remote audio track into its own Ogg/Opus file under Dir.
type OggRecorder struct {
	Dir string
}

func (r OggRecorder) Play(conversationID string, track *webrtc.TrackRemote) error {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return DiscardSink{}.Play(conversationID, track)
	}

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return errors.Wrap(err, "recording dir")
	}

	name := filepath.Join(r.Dir, fmt.Sprintf("%s-%s.ogg", conversationID, time.Now().Format("20060102-150405")))

	codec := track.Codec()

	channels := uint16(codec.Channels)
	if channels == 0 {
		channels = 2
	}

	w, err := oggwriter.New(name, codec.ClockRate, channels)
	if err != nil {
		return errors.Wrap(err, "ogg writer")
	}

	defer func() {
		if err := w.Close(); err != nil {
			log.Error(err)
		}
	}()

	log.Conversation(conversationID).Infof("recording remote audio to %s", name)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		if err := w.WriteRTP(pkt); err != nil {
			return errors.Wrap(err, "ogg write")
		}
	}
}
