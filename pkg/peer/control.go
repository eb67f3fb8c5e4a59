package peer

import (
	"encoding/json"
	"sync"

	"peercall/pkg/log"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

const (
	controlLabel      = "control"
	controlChannelID  = uint16(0)
	controlBufferSize = 4096

	controlTypeMute = "mute"
)

type controlMessage struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

// controlChannel is a pre-negotiated data channel both sides create with the same id,
// so it never needs an extra offer/answer round. Messages sent before it opens are
// collapsed into the latest one and delivered on open.
type controlChannel struct {
	onMessage func(controlMessage)

	mu      sync.Mutex
	rw      datachannel.ReadWriteCloser
	pending *controlMessage
	closed  bool
}

func openControlChannel(conn *webrtc.PeerConnection, onMessage func(controlMessage)) (*controlChannel, error) {
	negotiated := true
	id := controlChannelID

	dc, err := conn.CreateDataChannel(controlLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		return nil, errors.Wrap(err, "control channel")
	}

	c := &controlChannel{
		onMessage: onMessage,
	}

	dc.OnOpen(func() {
		rw, err := dc.Detach()
		if err != nil {
			log.Error(err)

			return
		}

		c.mu.Lock()

		if c.closed {
			c.mu.Unlock()
			_ = rw.Close()

			return
		}

		c.rw = rw
		pending := c.pending
		c.pending = nil

		c.mu.Unlock()

		if pending != nil {
			c.send(*pending)
		}

		go c.readLoop(rw)
	})

	return c, nil
}

func (c *controlChannel) send(msg controlMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error(err)

		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if c.rw == nil {
		c.pending = &msg

		return
	}

	if _, err := c.rw.Write(payload); err != nil {
		log.Warnf("control channel write: %s", err)
	}
}

func (c *controlChannel) readLoop(rw datachannel.ReadWriteCloser) {
	buf := make([]byte, controlBufferSize)

	for {
		n, err := rw.Read(buf)
		if err != nil {
			return
		}

		var msg controlMessage

		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			log.Warnf("malformed control message: %s", err)

			continue
		}

		c.onMessage(msg)
	}
}

func (c *controlChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true

	if c.rw != nil {
		_ = c.rw.Close()
	}
}
