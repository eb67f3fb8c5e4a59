package call

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"peercall/pkg/log"
	"peercall/pkg/metrics"
	"peercall/pkg/peer"
	"peercall/pkg/signal"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultEarlyCandidates = 128
	eventBuffer            = 64
)

type ControllerConfig struct {
	Self signal.PeerID

	// ShutdownTimeout bounds the hang-up made when Run returns with a call in progress.
	ShutdownTimeout time.Duration

	// EarlyCandidates caps the remote candidates kept per conversation while no local
	// session exists.
	EarlyCandidates int
}

// Event is published on every change of a conversation's view.
type Event struct {
	View   View    `json:"view"`
	Notice *Notice `json:"notice,omitempty"`
}

// Controller is the call surface of one client. Everything it does runs on the single
// event loop started by Run: commands, record deliveries, candidate arrivals and
// connection callbacks are queued and handled one at a time.
type Controller struct {
	cfg ControllerConfig

	store         signal.Store
	newNegotiator NegotiatorFactory
	metrics       *metrics.Calls

	events  *queue
	running atomic.Bool
	done    chan struct{}

	// Owned by the loop.
	ctx           context.Context
	conversations map[string]*conversation
	session       *Session

	// cleared is closed once the candidates of the last detached session are removed.
	cleared chan struct{}

	viewsMu sync.RWMutex
	views   map[string]View

	subsMu     sync.Mutex
	subs       map[chan Event]struct{}
	subsClosed bool
}

type conversation struct {
	id       string
	remote   signal.PeerID
	record   signal.CallRecord
	observed bool

	uncertain bool
	early     []signal.Candidate

	stopRecord     func()
	stopCandidates func()
}

func NewController(cfg ControllerConfig, store signal.Store, newNegotiator NegotiatorFactory, m *metrics.Calls) *Controller {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.EarlyCandidates == 0 {
		cfg.EarlyCandidates = defaultEarlyCandidates
	}

	cleared := make(chan struct{})
	close(cleared)

	return &Controller{
		cfg:           cfg,
		store:         store,
		newNegotiator: newNegotiator,
		metrics:       m,
		events:        newQueue(),
		done:          make(chan struct{}),
		conversations: make(map[string]*conversation),
		views:         make(map[string]View),
		subs:          make(map[chan Event]struct{}),
		cleared:       cleared,
	}
}

func (c *Controller) Self() signal.PeerID {
	return c.cfg.Self
}

// Run handles events until ctx is done. A call still in progress is then hung up.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}

	c.ctx = ctx

	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.events.notify:
		}

		for _, fn := range c.events.drain() {
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Open starts observing a conversation. Only private conversations can be opened.
func (c *Controller) Open(ctx context.Context, conversationID string) error {
	return c.do(ctx, conversationID, "open", func(ctx context.Context) error {
		_, err := c.open(ctx, conversationID)

		return err
	})
}

// Close stops observing a conversation and hangs up a call in progress in it.
func (c *Controller) Close(ctx context.Context, conversationID string) error {
	return c.do(ctx, conversationID, "close", func(ctx context.Context) error {
		conv, ok := c.conversations[conversationID]
		if !ok {
			return nil
		}

		var err error

		if c.sessionFor(conversationID) != nil {
			err = c.hangUp(ctx, conversationID, false)
		}

		conv.stop()
		delete(c.conversations, conversationID)

		c.viewsMu.Lock()
		delete(c.views, conversationID)
		c.viewsMu.Unlock()

		return err
	})
}

func (c *Controller) InitiateCall(ctx context.Context, conversationID string) error {
	return c.do(ctx, conversationID, "initiate", func(ctx context.Context) error {
		return c.initiate(ctx, conversationID)
	})
}

func (c *Controller) AnswerCall(ctx context.Context, conversationID string) error {
	return c.do(ctx, conversationID, "answer", func(ctx context.Context) error {
		return c.answer(ctx, conversationID)
	})
}

func (c *Controller) DeclineCall(ctx context.Context, conversationID string) error {
	return c.do(ctx, conversationID, "decline", func(ctx context.Context) error {
		return c.decline(ctx, conversationID)
	})
}

// HangUp ends the call in a conversation. With silent set only the local session is
// torn down and the shared record is left alone.
func (c *Controller) HangUp(ctx context.Context, conversationID string, silent bool) error {
	return c.do(ctx, conversationID, "hangup", func(ctx context.Context) error {
		return c.hangUp(ctx, conversationID, silent)
	})
}

// ToggleMute flips the microphone of the local session and returns the new state.
func (c *Controller) ToggleMute(ctx context.Context, conversationID string) (bool, error) {
	var muted bool

	err := c.do(ctx, conversationID, "mute", func(context.Context) error {
		var err error

		muted, err = c.toggleMute(conversationID)

		return err
	})

	return muted, err
}

// State returns the current view of a conversation.
func (c *Controller) State(conversationID string) View {
	c.viewsMu.RLock()
	defer c.viewsMu.RUnlock()

	if v, ok := c.views[conversationID]; ok {
		return v
	}

	return View{
		ConversationID: conversationID,
		Phase:          PhaseIdle,
		Allowed:        PhaseIdle.Allowed(),
	}
}

// Subscribe returns a stream of view changes. Events are dropped for subscribers that
// do not keep up; State always has the latest view.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if c.subsClosed {
		close(ch)

		return ch, func() {}
	}

	c.subs[ch] = struct{}{}

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()

			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
		})
	}
}

// do runs fn on the loop and waits for its result.
func (c *Controller) do(ctx context.Context, conversationID, action string, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)

	queued := c.events.push(func() {
		err := fn(ctx)
		if err != nil {
			c.fail(conversationID, err)
		}

		c.metrics.Action(action, err)

		result <- err
	})
	if !queued {
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) open(ctx context.Context, conversationID string) (*conversation, error) {
	if conv, ok := c.conversations[conversationID]; ok {
		return conv, nil
	}

	members, err := c.store.Members(ctx, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "conversation members")
	}

	remote, ok := signal.OtherMember(members, c.cfg.Self)
	if !ok {
		return nil, errors.Wrap(ErrNotPrivate, conversationID)
	}

	conv := &conversation{
		id:     conversationID,
		remote: remote,
	}

	// Candidates first: whatever the other side publishes after the record is observed
	// must not be missed.
	conv.stopCandidates, err = c.store.SubscribeToCandidates(c.ctx, conversationID, remote, func(cand signal.Candidate) {
		c.events.push(func() { c.onCandidate(conv, cand) })
	})
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to candidates")
	}

	conv.stopRecord, err = c.store.Subscribe(c.ctx, conversationID, func(rec signal.CallRecord, err error) {
		c.events.push(func() { c.onRecord(conv, rec, err) })
	})
	if err != nil {
		conv.stopCandidates()

		return nil, errors.Wrap(err, "subscribe to call record")
	}

	c.conversations[conversationID] = conv

	c.logger(conversationID).Infof("watching calls with %s", remote)
	c.publish(conv, nil)

	return conv, nil
}

func (c *Controller) initiate(ctx context.Context, conversationID string) error {
	conv, err := c.open(ctx, conversationID)
	if err != nil {
		return err
	}

	if c.session != nil {
		return ErrCallInProgress
	}

	rec, err := c.store.Read(ctx, conversationID)
	if err != nil {
		return errors.Wrap(err, "read call record")
	}

	if rec.Live() {
		return ErrCallActive
	}

	if err := c.awaitCleared(ctx); err != nil {
		return err
	}

	s := c.newSession(conv, RoleInitiator)

	if err := s.negotiator.CreateLocalSession(ctx); err != nil {
		s.dispose()

		return errors.Wrap(err, "create local session")
	}

	offer, err := s.negotiator.CreateOffer(ctx)
	if err != nil {
		s.dispose()

		return errors.Wrap(err, "create offer")
	}

	s.offer = offer.SDP
	c.attach(conv, s)

	// The whole call field is replaced so that nothing of an earlier call survives.
	err = c.store.Write(ctx, conversationID, signal.RecordPatch{
		Active:    signal.BoolPtr(true),
		Initiator: signal.PeerPtr(c.cfg.Self),
		Offer:     &offer,
		Status:    signal.StatusPtr(signal.StatusRinging),
		Replace:   true,
	})
	if err != nil {
		c.detach()
		c.publish(conv, nil)

		return errors.Wrap(err, "write offer")
	}

	c.logger(conversationID).Infof("calling %s", conv.remote)
	c.publish(conv, nil)

	return nil
}

func (c *Controller) answer(ctx context.Context, conversationID string) error {
	conv, err := c.open(ctx, conversationID)
	if err != nil {
		return err
	}

	rec, err := c.store.Read(ctx, conversationID)
	if err != nil {
		return errors.Wrap(err, "read call record")
	}

	if Evaluate(rec, c.cfg.Self) != PhaseRinging {
		return ErrNoIncomingCall
	}

	if rec.Offer == nil {
		return ErrNoOffer
	}

	if c.session != nil {
		return ErrCallInProgress
	}

	if err := c.awaitCleared(ctx); err != nil {
		return err
	}

	s := c.newSession(conv, RoleReceiver)

	if err := s.negotiator.CreateLocalSession(ctx); err != nil {
		s.dispose()

		return errors.Wrap(err, "create local session")
	}

	s.offer = rec.Offer.SDP
	c.attach(conv, s)

	answer, err := s.negotiator.CreateAnswer(ctx, *rec.Offer)
	if err != nil {
		c.abort(ctx, conv)

		return errors.Wrap(err, "create answer")
	}

	err = c.store.Write(ctx, conversationID, signal.RecordPatch{
		Answer: &answer,
		Status: signal.StatusPtr(signal.StatusConnected),
	})
	if err != nil {
		c.publish(conv, nil)

		return errors.Wrap(err, "write answer")
	}

	c.logger(conversationID).Infof("answered call from %s", conv.remote)
	c.publish(conv, nil)

	return nil
}

func (c *Controller) decline(ctx context.Context, conversationID string) error {
	conv, err := c.open(ctx, conversationID)
	if err != nil {
		return err
	}

	rec, err := c.store.Read(ctx, conversationID)
	if err != nil {
		return errors.Wrap(err, "read call record")
	}

	if Evaluate(rec, c.cfg.Self) != PhaseRinging {
		return ErrNoIncomingCall
	}

	err = c.store.Write(ctx, conversationID, signal.RecordPatch{
		Active: signal.BoolPtr(false),
		Status: signal.StatusPtr(signal.StatusDeclined),
	})

	if c.sessionFor(conversationID) != nil {
		c.detach()
	}

	c.logger(conversationID).Infof("declined call from %s", conv.remote)
	c.publish(conv, nil)

	return errors.Wrap(err, "write decline")
}

func (c *Controller) hangUp(ctx context.Context, conversationID string, silent bool) error {
	var err error

	if !silent {
		rec, rerr := c.store.Read(ctx, conversationID)

		switch {
		case rerr != nil:
			err = errors.Wrap(rerr, "read call record")
		case rec.Live():
			err = errors.Wrap(c.store.Write(ctx, conversationID, endedPatch()), "write hang-up")
		}

		if err != nil {
			c.logger(conversationID).WithError(err).Warn("hang-up not recorded")
		}
	}

	if c.sessionFor(conversationID) != nil {
		c.detach()
		c.logger(conversationID).Info("call ended")
	}

	if conv, ok := c.conversations[conversationID]; ok {
		c.publish(conv, nil)
	}

	return err
}

func (c *Controller) toggleMute(conversationID string) (bool, error) {
	s := c.sessionFor(conversationID)
	if s == nil {
		return false, ErrNoSession
	}

	muted := !s.muted

	if err := s.negotiator.SetMuted(muted); err != nil {
		return s.muted, errors.Wrap(err, "set muted")
	}

	s.muted = muted

	if conv, ok := c.conversations[conversationID]; ok {
		c.publish(conv, nil)
	}

	return muted, nil
}

func (c *Controller) onRecord(conv *conversation, rec signal.CallRecord, err error) {
	if c.conversations[conv.id] != conv {
		return
	}

	if err != nil {
		conv.uncertain = true

		c.logger(conv.id).WithError(err).Warn("call record delivery failed")
		c.publish(conv, NewNotice(KindSync, err))

		return
	}

	conv.uncertain = false
	conv.record = rec
	conv.observed = true

	c.publish(conv, c.reconcile(conv))
}

// reconcile brings the local session in line with the latest record. A record belongs
// to the session's call attempt when it carries the session's offer.
func (c *Controller) reconcile(conv *conversation) *Notice {
	s := c.sessionFor(conv.id)
	if s == nil {
		return nil
	}

	rec := conv.record
	phase := Evaluate(rec, c.cfg.Self)
	ours := rec.Offer != nil && rec.Offer.SDP == s.offer

	if ours {
		s.confirmed = true
	}

	switch {
	case !ours && rec.Live() && !s.confirmed && c.holdsOffer(conv.id, s):
		// A concurrent attempt that was overwritten by ours; our own record follows.
		return nil
	case !ours && rec.Live():
		c.logger(conv.id).Info("call replaced by another attempt")
		c.detach()

		return nil
	case !ours:
		// Written before this attempt started; the attempt's own write is still on its way.
		return nil
	case phase.Terminal():
		c.logger(conv.id).Infof("call %s", phase)
		c.detach()

		return nil
	case DeriveRole(rec, c.cfg.Self) != s.role:
		c.logger(conv.id).Warn("call record role changed under the session")
		c.detach()

		return nil
	}

	if s.role == RoleInitiator && rec.Answer != nil && s.negotiator.HasPendingOffer() {
		if err := s.negotiator.ApplyRemoteAnswer(c.ctx, *rec.Answer); err != nil {
			c.abort(c.ctx, conv)

			return NewNotice(KindNegotiation, err)
		}

		c.logger(conv.id).Info("answer applied")

		err := c.store.Write(c.ctx, conv.id, signal.RecordPatch{
			Status: signal.StatusPtr(signal.StatusConnected),
		})
		if err != nil {
			c.logger(conv.id).WithError(err).Warn("connected status not recorded")

			return NewNotice(KindSync, err)
		}
	}

	if phase == PhaseConnected && s.activate() {
		c.metrics.Connected()
		c.logger(conv.id).Infof("call with %s connected", conv.remote)
	}

	return nil
}

// holdsOffer reports whether the stored record still carries the session's offer. A
// failed read keeps the session.
func (c *Controller) holdsOffer(conversationID string, s *Session) bool {
	rec, err := c.store.Read(c.ctx, conversationID)
	if err != nil {
		c.logger(conversationID).WithError(err).Warn("read call record")

		return true
	}

	return rec.Offer != nil && rec.Offer.SDP == s.offer
}

func (c *Controller) onCandidate(conv *conversation, cand signal.Candidate) {
	if c.conversations[conv.id] != conv {
		return
	}

	if s := c.sessionFor(conv.id); s != nil {
		s.negotiator.AddRemoteCandidate(cand)
		c.metrics.Candidate("applied")

		return
	}

	conv.early = append(conv.early, cand)

	if over := len(conv.early) - c.cfg.EarlyCandidates; over > 0 {
		conv.early = conv.early[over:]
	}

	c.metrics.Candidate("buffered")
}

func (c *Controller) onConnectionState(s *Session, state string) {
	if c.session != s {
		return
	}

	s.connection = state

	var notice *Notice

	if state == "failed" {
		notice = NewNotice(KindNegotiation, errors.New("peer connection failed"))
	}

	if conv, ok := c.conversations[s.conversationID]; ok {
		c.publish(conv, notice)
	}
}

// onCandidateOutcome counts what became of a candidate. Failures are logged but never
// shown to the user.
func (c *Controller) onCandidateOutcome(s *Session, outcome string, err error) {
	c.metrics.Candidate(outcome)

	if err != nil && c.session == s {
		kind := Classify(err)
		c.logger(s.conversationID).WithError(err).WithField("kind", kind).Warn(kind.Message())
	}
}

func (c *Controller) onRemoteMute(s *Session, muted bool) {
	if c.session != s {
		return
	}

	s.remoteMuted = muted

	if conv, ok := c.conversations[s.conversationID]; ok {
		c.publish(conv, nil)
	}
}

func (c *Controller) newSession(conv *conversation, role Role) *Session {
	s := newSession(conv.id, conv.remote, role)

	s.negotiator = c.newNegotiator(conv.id, conv.remote, peer.Handlers{
		OnConnectionState: func(state string) {
			c.events.push(func() { c.onConnectionState(s, state) })
		},
		OnRemoteMute: func(muted bool) {
			c.events.push(func() { c.onRemoteMute(s, muted) })
		},
		OnCandidate: func(outcome string, err error) {
			c.events.push(func() { c.onCandidateOutcome(s, outcome, err) })
		},
	})

	return s
}

// attach makes s the client's session and hands it the candidates that arrived early.
func (c *Controller) attach(conv *conversation, s *Session) {
	c.session = s
	c.metrics.SessionOpened()

	early := conv.early
	conv.early = nil

	for _, cand := range early {
		s.negotiator.AddRemoteCandidate(cand)
	}
}

// detach disposes the current session. The candidates it published are removed in the
// background; removals run one after another and a new session waits for them.
func (c *Controller) detach() {
	s := c.session
	if s == nil {
		return
	}

	c.session = nil

	if s.dispose() {
		c.metrics.SessionClosed()
	}

	prev := c.cleared
	done := make(chan struct{})
	c.cleared = done

	go func() {
		defer close(done)

		<-prev

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
		defer cancel()

		if err := c.store.ClearCandidates(ctx, s.conversationID, c.cfg.Self); err != nil {
			c.logger(s.conversationID).WithError(err).Debug("candidates not cleared")
		}
	}()
}

func (c *Controller) awaitCleared(ctx context.Context) error {
	select {
	case <-c.cleared:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort tears down a session whose negotiation failed and ends the call for both sides.
func (c *Controller) abort(ctx context.Context, conv *conversation) {
	c.detach()

	if err := c.store.Write(ctx, conv.id, endedPatch()); err != nil {
		c.logger(conv.id).WithError(err).Warn("ended status not recorded")
	}
}

func (c *Controller) sessionFor(conversationID string) *Session {
	if c.session != nil && c.session.conversationID == conversationID {
		return c.session
	}

	return nil
}

func (c *Controller) fail(conversationID string, err error) {
	kind := Classify(err)
	notice := NewNotice(kind, err)

	c.logger(conversationID).WithError(err).WithField("kind", kind).Warn(kind.Message())

	if conv, ok := c.conversations[conversationID]; ok {
		c.publish(conv, notice)

		return
	}

	c.metrics.Notice(string(kind))
	c.broadcast(Event{View: c.State(conversationID), Notice: notice})
}

func (c *Controller) publish(conv *conversation, notice *Notice) {
	v := c.view(conv)

	c.viewsMu.Lock()
	c.views[conv.id] = v
	c.viewsMu.Unlock()

	if notice != nil {
		c.metrics.Notice(string(notice.Kind))
	}

	c.broadcast(Event{View: v, Notice: notice})
}

func (c *Controller) view(conv *conversation) View {
	phase := PhaseIdle
	role := RoleNone

	if conv.observed {
		phase = Evaluate(conv.record, c.cfg.Self)
		role = DeriveRole(conv.record, c.cfg.Self)
	}

	v := View{
		ConversationID: conv.id,
		Peer:           conv.remote,
		Phase:          phase,
		Role:           role,
		Allowed:        phase.Allowed(),
		Uncertain:      conv.uncertain,
	}

	if s := c.sessionFor(conv.id); s != nil {
		v.HasSession = true
		v.Muted = s.muted
		v.RemoteMuted = s.remoteMuted
		v.Connection = s.connection
	}

	return v
}

func (c *Controller) broadcast(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
			log.Warnf("dropping call event of %s for a slow subscriber", ev.View.ConversationID)
		}
	}
}

func (c *Controller) shutdown() {
	c.events.close()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()

	if s := c.session; s != nil {
		if err := c.hangUp(ctx, s.conversationID, false); err != nil {
			c.logger(s.conversationID).WithError(err).Warn("hang-up on shutdown")
		}
	}

	if err := c.awaitCleared(ctx); err != nil {
		log.WithFields(log.Fields{"self": c.cfg.Self}).WithError(err).Warn("candidates not cleared on shutdown")
	}

	for id, conv := range c.conversations {
		conv.stop()
		delete(c.conversations, id)
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.subsClosed = true

	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
}

func (c *Controller) logger(conversationID string) *logrus.Entry {
	return log.Conversation(conversationID).WithField("self", c.cfg.Self)
}

func (conv *conversation) stop() {
	if conv.stopRecord != nil {
		conv.stopRecord()
	}

	if conv.stopCandidates != nil {
		conv.stopCandidates()
	}
}

func endedPatch() signal.RecordPatch {
	return signal.RecordPatch{
		Active:    signal.BoolPtr(false),
		Status:    signal.StatusPtr(signal.StatusEnded),
		Initiator: signal.PeerPtr(""),
	}
}
