package peer

import (
	"context"
	"strings"
	"sync"
	"time"

	"peercall/pkg/log"
	"peercall/pkg/signal"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// WebRTC negotiates one audio session with the other member of a conversation. It is
// created per call attempt and discarded after Teardown.
type WebRTC struct {
	cfg WebRTCConfig

	publisher CandidatePublisher
	devices   MediaDevices
	sink      Sink
	handlers  Handlers
	log       *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *webrtc.PeerConnection
	mic         Microphone
	sender      *webrtc.RTPSender
	control     *controlChannel
	localUfrag  string
	remoteUfrag string
	candidates  []signal.Candidate
	applied     map[string]struct{}
	muted       bool
	closed      bool
}

type WebRTCConfig struct {
	ConversationID string
	Self           signal.PeerID
	STUN           []string

	// IncludeLoopback lets two peers on one host connect over 127.0.0.1.
	IncludeLoopback bool

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func NewWebRTC(cfg WebRTCConfig, publisher CandidatePublisher, devices MediaDevices, sink Sink, handlers Handlers) *WebRTC {
	if cfg.DisconnectedTimeout == 0 {
		cfg.DisconnectedTimeout = 15 * time.Second
	}

	if cfg.FailedTimeout == 0 {
		cfg.FailedTimeout = 25 * time.Second
	}

	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = 2 * time.Second
	}

	if sink == nil {
		sink = DiscardSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WebRTC{
		cfg:       cfg,
		publisher: publisher,
		devices:   devices,
		sink:      sink,
		handlers:  handlers,
		log:       log.Conversation(cfg.ConversationID),
		ctx:       ctx,
		cancel:    cancel,
		applied:   make(map[string]struct{}),
	}
}

// CreateLocalSession acquires the microphone and builds the peer connection. Device
// errors are returned before any network resource exists.
func (p *WebRTC) CreateLocalSession(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrSessionClosed
	}

	if p.conn != nil {
		return errors.Wrap(ErrNegotiation, "local session already created")
	}

	mic, err := p.devices.OpenMicrophone(ctx)
	if err != nil {
		return err
	}

	conn, err := p.newPeerConnection()
	if err != nil {
		_ = mic.Close()

		return err
	}

	sender, err := conn.AddTrack(mic.Track())
	if err != nil {
		_ = conn.Close()
		_ = mic.Close()

		return errors.Wrap(err, "add track")
	}

	go drainRTCP(sender)

	control, err := openControlChannel(conn, p.onControl)
	if err != nil {
		_ = conn.Close()
		_ = mic.Close()

		return err
	}

	conn.OnICECandidate(p.onConnICECandidate)
	conn.OnTrack(p.onConnTrack)
	conn.OnConnectionStateChange(p.onConnStateChange)

	p.conn = conn
	p.mic = mic
	p.sender = sender
	p.control = control

	return nil
}

func (p *WebRTC) CreateOffer(context.Context) (signal.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.closed {
		return signal.SessionDescription{}, ErrSessionClosed
	}

	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return signal.SessionDescription{}, errors.Wrap(ErrNegotiation, err.Error())
	}

	if err := p.conn.SetLocalDescription(offer); err != nil {
		return signal.SessionDescription{}, errors.Wrap(ErrNegotiation, err.Error())
	}

	return signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer applies the remote offer and answers it. Candidates that arrived before
// the offer are applied afterwards.
func (p *WebRTC) CreateAnswer(_ context.Context, offer signal.SessionDescription) (signal.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.closed {
		return signal.SessionDescription{}, ErrSessionClosed
	}

	if err := p.setRemoteDescription(offer, webrtc.SDPTypeOffer); err != nil {
		return signal.SessionDescription{}, err
	}

	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, errors.Wrap(ErrNegotiation, err.Error())
	}

	if err := p.conn.SetLocalDescription(answer); err != nil {
		return signal.SessionDescription{}, errors.Wrap(ErrNegotiation, err.Error())
	}

	p.flushCandidates()

	return signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *WebRTC) ApplyRemoteAnswer(_ context.Context, answer signal.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.closed {
		return ErrSessionClosed
	}

	if p.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return errors.Wrap(ErrNegotiation, "no pending local offer")
	}

	if err := p.setRemoteDescription(answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}

	p.flushCandidates()

	return nil
}

// HasPendingOffer reports whether a local offer is waiting for its answer.
func (p *WebRTC) HasPendingOffer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.conn != nil && !p.closed && p.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

// AddRemoteCandidate applies c once. Before the remote description is known candidates
// are queued; candidates of another ICE session are dropped. Failures are logged and
// reported to Handlers.OnCandidate.
func (p *WebRTC) AddRemoteCandidate(c signal.Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	if p.conn == nil || p.remoteUfrag == "" {
		p.candidates = append(p.candidates, c)

		return
	}

	p.applyCandidate(c)
}

// SetMuted stops or resumes sending audio without renegotiating.
func (p *WebRTC) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sender == nil || p.closed {
		return ErrSessionClosed
	}

	if muted == p.muted {
		return nil
	}

	var track webrtc.TrackLocal

	if !muted {
		track = p.mic.Track()
	}

	if err := p.sender.ReplaceTrack(track); err != nil {
		return errors.Wrap(err, "replace track")
	}

	p.muted = muted

	p.control.send(controlMessage{Type: controlTypeMute, Muted: muted})

	return nil
}

func (p *WebRTC) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.muted
}

// Teardown closes the connection and releases the microphone. It is safe to call at any
// point and any number of times.
func (p *WebRTC) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	p.cancel()
	p.candidates = nil

	if p.control != nil {
		p.control.close()
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.log.WithError(err).Warn("close peer connection")
		}
	}

	if p.mic != nil {
		if err := p.mic.Close(); err != nil {
			p.log.WithError(err).Warn("release microphone")
		}
	}

	p.log.Debugf("local session torn down")
}

func (p *WebRTC) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}

	if err := p.devices.RegisterCodecs(m); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	registry := &interceptor.Registry{}

	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	p.localUfrag, p.cfg.STUN = newUfrag(), normalizeSTUN(p.cfg.STUN)

	settings := webrtc.SettingEngine{}

	settings.DetachDataChannels()
	settings.SetICETimeouts(p.cfg.DisconnectedTimeout, p.cfg.FailedTimeout, p.cfg.KeepAliveInterval)
	settings.SetICECredentials(p.localUfrag, newPassword())
	settings.SetIncludeLoopbackCandidate(p.cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	ice := make([]webrtc.ICEServer, len(p.cfg.STUN))

	for i, stun := range p.cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs: []string{stun},
		}
	}

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
	if err != nil {
		return nil, errors.Wrap(err, "peer connection")
	}

	return conn, nil
}

func (p *WebRTC) setRemoteDescription(d signal.SessionDescription, want webrtc.SDPType) error {
	if webrtc.NewSDPType(d.Type) != want {
		return errors.Wrapf(ErrNegotiation, "expected %s, got %q", want, d.Type)
	}

	ufrag, err := iceUfrag(d.SDP)
	if err != nil {
		return errors.Wrap(ErrNegotiation, err.Error())
	}

	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{Type: want, SDP: d.SDP}); err != nil {
		return errors.Wrap(ErrNegotiation, err.Error())
	}

	p.remoteUfrag = ufrag

	return nil
}

func (p *WebRTC) flushCandidates() {
	queued := p.candidates
	p.candidates = nil

	for _, c := range queued {
		p.applyCandidate(c)
	}
}

func (p *WebRTC) applyCandidate(c signal.Candidate) {
	if c.UsernameFragment != nil && *c.UsernameFragment != p.remoteUfrag {
		p.log.Debugf("dropping candidate of another session")
		p.handlers.candidate(CandidateStale, nil)

		return
	}

	key := c.Key()

	if _, ok := p.applied[key]; ok {
		return
	}

	p.applied[key] = struct{}{}

	err := p.conn.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
	if err != nil {
		p.log.WithError(err).Warn("remote candidate rejected")
		p.handlers.candidate(CandidateRejected, errors.Wrap(ErrCandidate, err.Error()))
	}
}

func (p *WebRTC) onConnICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil || p.ctx.Err() != nil {
		return
	}

	init := candidate.ToJSON()
	ufrag := p.localUfrag

	err := p.publisher.PublishCandidate(p.ctx, p.cfg.ConversationID, p.cfg.Self, signal.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: &ufrag,
	})
	switch {
	case err == nil:
		p.handlers.candidate(CandidatePublished, nil)
	case p.ctx.Err() == nil:
		p.log.WithError(err).Warn("publish candidate")
		p.handlers.candidate(CandidatePublishFailed, errors.Wrap(ErrCandidate, err.Error()))
	}
}

func (p *WebRTC) onConnTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.log.Infof("remote %s track started (%s)", track.Kind(), track.Codec().MimeType)

	go func() {
		if err := p.sink.Play(p.cfg.ConversationID, track); err != nil && p.ctx.Err() == nil {
			p.log.WithError(err).Warn("remote playback stopped")
		}
	}()
}

func (p *WebRTC) onConnStateChange(state webrtc.PeerConnectionState) {
	p.log.Info("connection state changed: ", state)

	p.handlers.connectionState(state.String())
}

func (p *WebRTC) onControl(msg controlMessage) {
	switch msg.Type {
	case controlTypeMute:
		p.handlers.remoteMute(msg.Muted)
	default:
		p.log.Debugf("unknown control message %q", msg.Type)
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)

	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func newUfrag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func newPassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// normalizeSTUN accepts both "host:port" and full "stun:host:port" URLs.
func normalizeSTUN(servers []string) []string {
	out := make([]string, 0, len(servers))

	for _, s := range servers {
		if s == "" {
			continue
		}

		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			s = "stun:" + s
		}

		out = append(out, s)
	}

	return out
}
