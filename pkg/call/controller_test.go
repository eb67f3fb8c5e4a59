package call

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"peercall/pkg/metrics"
	"peercall/pkg/peer"
	"peercall/pkg/signal"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testConversation = "alice_bob"
	waitFor          = 3 * time.Second
	tick             = 5 * time.Millisecond
)

type fakeNegotiator struct {
	mu sync.Mutex

	id        int
	handlers  peer.Handlers
	createErr error
	applyErr  error

	created    bool
	pending    bool
	answer     *signal.SessionDescription
	candidates []signal.Candidate
	muted      bool
	teardowns  int
}

func (n *fakeNegotiator) CreateLocalSession(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.createErr != nil {
		return n.createErr
	}

	n.created = true

	return nil
}

func (n *fakeNegotiator) CreateOffer(context.Context) (signal.SessionDescription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pending = true

	return signal.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%p", n)}, nil
}

func (n *fakeNegotiator) CreateAnswer(_ context.Context, offer signal.SessionDescription) (signal.SessionDescription, error) {
	return signal.SessionDescription{Type: "answer", SDP: "answer-to-" + offer.SDP}, nil
}

func (n *fakeNegotiator) ApplyRemoteAnswer(_ context.Context, answer signal.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.applyErr != nil {
		return n.applyErr
	}

	n.pending = false
	n.answer = &answer

	return nil
}

func (n *fakeNegotiator) AddRemoteCandidate(c signal.Candidate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.candidates = append(n.candidates, c)
}

func (n *fakeNegotiator) HasPendingOffer() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.pending
}

func (n *fakeNegotiator) SetMuted(muted bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.muted = muted

	return nil
}

func (n *fakeNegotiator) Teardown() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.teardowns++
}

func (n *fakeNegotiator) torndown() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.teardowns
}

func (n *fakeNegotiator) received() []signal.Candidate {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]signal.Candidate(nil), n.candidates...)
}

func (n *fakeNegotiator) appliedAnswer() *signal.SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.answer
}

// fakeDevices hands out fake negotiators and remembers them.
type fakeDevices struct {
	mu         sync.Mutex
	negotiator []*fakeNegotiator
	createErr  error
	applyErr   error
}

func (d *fakeDevices) factory(_ string, _ signal.PeerID, h peer.Handlers) Negotiator {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := &fakeNegotiator{
		id:        len(d.negotiator),
		handlers:  h,
		createErr: d.createErr,
		applyErr:  d.applyErr,
	}
	d.negotiator = append(d.negotiator, n)

	return n
}

func (d *fakeDevices) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.negotiator)
}

func (d *fakeDevices) last() *fakeNegotiator {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.negotiator) == 0 {
		return nil
	}

	return d.negotiator[len(d.negotiator)-1]
}

// readHook runs after once, right after the next Read returns.
type readHook struct {
	*signal.Memory

	mu    sync.Mutex
	after func()
}

func (s *readHook) Read(ctx context.Context, conversationID string) (signal.CallRecord, error) {
	rec, err := s.Memory.Read(ctx, conversationID)

	s.mu.Lock()
	after := s.after
	s.after = nil
	s.mu.Unlock()

	if after != nil {
		after()
	}

	return rec, err
}

// slowCleanup holds every ClearCandidates call until release is closed.
type slowCleanup struct {
	*signal.Memory

	release chan struct{}
}

func (s *slowCleanup) ClearCandidates(ctx context.Context, conversationID string, peer signal.PeerID) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.Memory.ClearCandidates(ctx, conversationID, peer)
}

func seededMemory() *signal.Memory {
	store := signal.NewMemory()
	store.Seed(signal.Conversation{ID: testConversation, Members: []signal.PeerID{"alice", "bob"}}, nil)

	return store
}

func runController(t *testing.T, self signal.PeerID, store signal.Store, dev *fakeDevices, m *metrics.Calls) *Controller {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	c := NewController(ControllerConfig{Self: self}, store, dev.factory, m)
	go c.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})

	return c
}

type harness struct {
	ctx   context.Context
	store *signal.Memory

	alice, bob       *Controller
	aliceDev, bobDev *fakeDevices
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := signal.NewMemory()
	store.Seed(signal.Conversation{
		ID:      testConversation,
		Members: []signal.PeerID{"alice", "bob"},
	}, map[string]any{
		"scores": map[string]int{"alice": 3, "bob": 5},
	})

	return startHarness(t, store)
}

func startHarness(t *testing.T, store *signal.Memory) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{
		ctx:      ctx,
		store:    store,
		aliceDev: &fakeDevices{},
		bobDev:   &fakeDevices{},
	}

	h.alice = NewController(ControllerConfig{Self: "alice"}, store, h.aliceDev.factory, nil)
	h.bob = NewController(ControllerConfig{Self: "bob"}, store, h.bobDev.factory, nil)

	go h.alice.Run(ctx)
	go h.bob.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-h.alice.Done()
		<-h.bob.Done()
	})

	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()

	require.NoError(t, h.alice.Open(h.ctx, testConversation))
	require.NoError(t, h.bob.Open(h.ctx, testConversation))
}

func (h *harness) record(t *testing.T) signal.CallRecord {
	t.Helper()

	rec, err := h.store.Read(h.ctx, testConversation)
	require.NoError(t, err)

	return rec
}

func waitPhase(t *testing.T, c *Controller, phase Phase) {
	t.Helper()

	require.Eventually(t, func() bool {
		return c.State(testConversation).Phase == phase
	}, waitFor, tick, "%s never reached %s", c.Self(), phase)
}

func (h *harness) connect(t *testing.T) {
	t.Helper()

	h.open(t)

	require.NoError(t, h.alice.InitiateCall(h.ctx, testConversation))
	waitPhase(t, h.bob, PhaseRinging)

	require.NoError(t, h.bob.AnswerCall(h.ctx, testConversation))
	waitPhase(t, h.alice, PhaseConnected)
	waitPhase(t, h.bob, PhaseConnected)
}

func TestCallScenario(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	require.NoError(t, h.alice.InitiateCall(h.ctx, testConversation))

	rec := h.record(t)
	assert.True(t, rec.Active)
	assert.Equal(t, signal.PeerID("alice"), rec.Initiator)
	assert.Equal(t, signal.StatusRinging, rec.Status)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "offer", rec.Offer.Type)
	assert.Nil(t, rec.Answer)

	waitPhase(t, h.bob, PhaseRinging)
	waitPhase(t, h.alice, PhaseDialing)

	bobView := h.bob.State(testConversation)
	assert.True(t, bobView.Incoming())
	assert.Equal(t, []Command{CommandAnswer, CommandDecline}, bobView.Allowed)
	assert.Equal(t, RoleReceiver, bobView.Role)

	aliceView := h.alice.State(testConversation)
	assert.True(t, aliceView.Waiting())
	assert.False(t, aliceView.Incoming())
	assert.True(t, aliceView.HasSession)

	require.NoError(t, h.bob.AnswerCall(h.ctx, testConversation))

	rec = h.record(t)
	require.NotNil(t, rec.Answer)
	assert.Equal(t, "answer-to-"+rec.Offer.SDP, rec.Answer.SDP)
	assert.Equal(t, signal.StatusConnected, rec.Status)

	require.Eventually(t, func() bool {
		answer := h.aliceDev.last().appliedAnswer()
		return answer != nil && answer.SDP == rec.Answer.SDP
	}, waitFor, tick)

	waitPhase(t, h.alice, PhaseConnected)
	waitPhase(t, h.bob, PhaseConnected)

	final := h.record(t)
	assert.True(t, final.Active)
	assert.Equal(t, signal.PeerID("alice"), final.Initiator)
	assert.Equal(t, signal.StatusConnected, final.Status)
	assert.Equal(t, rec.Offer.SDP, final.Offer.SDP)
	assert.Equal(t, rec.Answer.SDP, final.Answer.SDP)

	assert.Equal(t, map[string]any{
		"scores": map[string]int{"alice": 3, "bob": 5},
	}, h.store.Fields(testConversation))

	assert.Equal(t, 1, h.aliceDev.count())
	assert.Equal(t, 1, h.bobDev.count())
}

func TestInitiateOnActiveCallIsRejected(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	require.NoError(t, h.bob.InitiateCall(h.ctx, testConversation))
	waitPhase(t, h.alice, PhaseRinging)

	err := h.alice.InitiateCall(h.ctx, testConversation)
	assert.True(t, errors.Is(err, ErrCallActive))
	assert.Equal(t, KindState, Classify(err))
	assert.Zero(t, h.aliceDev.count(), "no second local session may be created")

	err = h.bob.InitiateCall(h.ctx, testConversation)
	assert.True(t, errors.Is(err, ErrCallInProgress))
	assert.Equal(t, 1, h.bobDev.count())
}

func TestDeclineTearsDownBothSides(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	events, cancel := h.alice.Subscribe()
	defer cancel()

	require.NoError(t, h.alice.InitiateCall(h.ctx, testConversation))
	waitPhase(t, h.bob, PhaseRinging)

	require.NoError(t, h.bob.DeclineCall(h.ctx, testConversation))

	rec := h.record(t)
	assert.False(t, rec.Active)
	assert.Equal(t, signal.StatusDeclined, rec.Status)
	assert.Nil(t, rec.Answer)

	waitPhase(t, h.alice, PhaseDeclined)
	waitPhase(t, h.bob, PhaseDeclined)

	require.Eventually(t, func() bool { return h.aliceDev.last().torndown() == 1 }, waitFor, tick)
	assert.False(t, h.alice.State(testConversation).HasSession)
	assert.Zero(t, h.bobDev.count())

	for {
		select {
		case ev := <-events:
			assert.NotEqual(t, PhaseConnected, ev.View.Phase)

			continue
		default:
		}

		break
	}
}

func TestAnswerWithoutIncomingCall(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	err := h.bob.AnswerCall(h.ctx, testConversation)
	assert.True(t, errors.Is(err, ErrNoIncomingCall))

	require.NoError(t, h.alice.InitiateCall(h.ctx, testConversation))

	err = h.alice.AnswerCall(h.ctx, testConversation)
	assert.True(t, errors.Is(err, ErrNoIncomingCall), "the initiator cannot answer its own call")

	err = h.alice.DeclineCall(h.ctx, testConversation)
	assert.True(t, errors.Is(err, ErrNoIncomingCall))
}

func TestHangUpWhileDialing(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	require.NoError(t, h.alice.InitiateCall(h.ctx, testConversation))
	waitPhase(t, h.bob, PhaseRinging)

	require.NoError(t, h.alice.HangUp(h.ctx, testConversation, false))

	rec := h.record(t)
	assert.False(t, rec.Active)
	assert.Equal(t, signal.StatusEnded, rec.Status)
	assert.Empty(t, rec.Initiator)
	assert.Nil(t, rec.Answer)

	assert.Equal(t, 1, h.aliceDev.last().torndown())

	waitPhase(t, h.alice, PhaseEnded)
	waitPhase(t, h.bob, PhaseEnded)

	require.NoError(t, h.alice.HangUp(h.ctx, testConversation, false))
	assert.Equal(t, 1, h.aliceDev.last().torndown())
}

func TestRemoteHangUpTearsDownSilently(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.bob.HangUp(h.ctx, testConversation, false))

	require.Eventually(t, func() bool { return h.aliceDev.last().torndown() == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.bobDev.last().torndown())

	waitPhase(t, h.alice, PhaseEnded)
	assert.False(t, h.alice.State(testConversation).HasSession)
	assert.False(t, h.bob.State(testConversation).HasSession)

	// A new call can follow.
	require.NoError(t, h.bob.InitiateCall(h.ctx, testConversation))
	waitPhase(t, h.alice, PhaseRinging)
}

func TestSilentHangUpLeavesRecord(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.alice.HangUp(h.ctx, testConversation, true))

	assert.Equal(t, 1, h.aliceDev.last().torndown())
	assert.Equal(t, signal.StatusConnected, h.record(t).Status)
	assert.Zero(t, h.bobDev.last().torndown())
}

func TestDeviceErrorAbortsBeforeWrite(t *testing.T) {
	h := newHarness(t)
	h.aliceDev.createErr = errors.Wrap(peer.ErrMediaAccessDenied, "permission dismissed")
	h.open(t)

	events, cancel := h.alice.Subscribe()
	defer cancel()

	err := h.alice.InitiateCall(h.ctx, testConversation)
	require.Error(t, err)
	assert.Equal(t, KindDevice, Classify(err))

	rec := h.record(t)
	assert.False(t, rec.Active)
	assert.Nil(t, rec.Offer)

	assert.Equal(t, 1, h.aliceDev.last().torndown())
	assert.Equal(t, PhaseIdle, h.alice.State(testConversation).Phase)

	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			return ev.Notice != nil && ev.Notice.Kind == KindDevice && ev.Notice.Message == KindDevice.Message()
		default:
			return false
		}
	}, waitFor, tick)
}

func TestWriteFailureIsSyncError(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	h.store.FailWrites(errors.New("permission denied by rules"))

	err := h.alice.InitiateCall(h.ctx, testConversation)
	require.Error(t, err)
	assert.Equal(t, KindSync, Classify(err))

	assert.Equal(t, 1, h.aliceDev.last().torndown())
	assert.False(t, h.alice.State(testConversation).HasSession)

	h.store.FailWrites(nil)

	require.NoError(t, h.alice.InitiateCall(h.ctx, testConversation))
	assert.Equal(t, 2, h.aliceDev.count())
}

func TestNegotiationErrorEndsCall(t *testing.T) {
	h := newHarness(t)
	h.aliceDev.applyErr = errors.Wrap(peer.ErrNegotiation, "bad answer")
	h.open(t)

	events, cancel := h.alice.Subscribe()
	defer cancel()

	require.NoError(t, h.alice.InitiateCall(h.ctx, testConversation))
	waitPhase(t, h.bob, PhaseRinging)
	require.NoError(t, h.bob.AnswerCall(h.ctx, testConversation))

	require.Eventually(t, func() bool { return h.aliceDev.last().torndown() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.bobDev.last().torndown() == 1 }, waitFor, tick)

	rec := h.record(t)
	assert.False(t, rec.Active)
	assert.Equal(t, signal.StatusEnded, rec.Status)

	sawNotice := false

	for !sawNotice {
		select {
		case ev := <-events:
			sawNotice = ev.Notice != nil && ev.Notice.Kind == KindNegotiation
		case <-time.After(waitFor):
			t.Fatal("no negotiation notice")
		}
	}
}

func TestCandidatesReachSessionOnce(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	// Published before alice has a session: buffered, then handed over.
	require.NoError(t, h.store.PublishCandidate(h.ctx, testConversation, "bob", signal.Candidate{Candidate: "early"}))

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.alice.InitiateCall(h.ctx, testConversation))

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, h.store.PublishCandidate(h.ctx, testConversation, "bob", signal.Candidate{Candidate: c}))
	}

	require.Eventually(t, func() bool { return len(h.aliceDev.last().received()) == 4 }, waitFor, tick)

	time.Sleep(50 * time.Millisecond)

	var got []string
	for _, c := range h.aliceDev.last().received() {
		got = append(got, c.Candidate)
	}

	assert.Equal(t, []string{"early", "c1", "c2", "c3"}, got)
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t)
	h.open(t)

	_, err := h.alice.ToggleMute(h.ctx, testConversation)
	assert.True(t, errors.Is(err, ErrNoSession))

	h.connect(t)

	muted, err := h.alice.ToggleMute(h.ctx, testConversation)
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, h.alice.State(testConversation).Muted)

	muted, err = h.alice.ToggleMute(h.ctx, testConversation)
	require.NoError(t, err)
	assert.False(t, muted)
}

func TestRemoteMuteAndConnectionStateInView(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	n := h.bobDev.last()
	n.handlers.OnConnectionState("connected")
	n.handlers.OnRemoteMute(true)

	require.Eventually(t, func() bool {
		v := h.bob.State(testConversation)
		return v.Connection == "connected" && v.RemoteMuted
	}, waitFor, tick)
}

func TestGroupConversationCannotBeCalled(t *testing.T) {
	h := newHarness(t)

	h.store.Seed(signal.Conversation{
		ID:      "group",
		Members: []signal.PeerID{"alice", "bob", "carol"},
	}, nil)

	err := h.alice.InitiateCall(h.ctx, "group")
	assert.True(t, errors.Is(err, ErrNotPrivate))
	assert.Zero(t, h.aliceDev.count())
}

func TestCloseHangsUp(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.alice.Close(h.ctx, testConversation))

	assert.Equal(t, 1, h.aliceDev.last().torndown())
	assert.Equal(t, signal.StatusEnded, h.record(t).Status)
	assert.Equal(t, PhaseIdle, h.alice.State(testConversation).Phase)

	require.Eventually(t, func() bool { return h.bobDev.last().torndown() == 1 }, waitFor, tick)
}

func TestShutdownHangsUp(t *testing.T) {
	store := signal.NewMemory()
	store.Seed(signal.Conversation{ID: testConversation, Members: []signal.PeerID{"alice", "bob"}}, nil)

	dev := &fakeDevices{}
	ctx, cancel := context.WithCancel(context.Background())

	alice := NewController(ControllerConfig{Self: "alice"}, store, dev.factory, nil)
	go alice.Run(ctx)

	require.NoError(t, alice.InitiateCall(ctx, testConversation))

	cancel()
	<-alice.Done()

	rec, err := store.Read(context.Background(), testConversation)
	require.NoError(t, err)
	assert.False(t, rec.Active)
	assert.Equal(t, signal.StatusEnded, rec.Status)
	assert.Equal(t, 1, dev.last().torndown())

	assert.True(t, errors.Is(alice.HangUp(context.Background(), testConversation, false), ErrStopped))
}

func TestSessionDisposeIsIdempotent(t *testing.T) {
	n := &fakeNegotiator{}
	s := newSession(testConversation, "bob", RoleInitiator)
	s.negotiator = n

	assert.True(t, s.activate())
	assert.False(t, s.activate())
	assert.True(t, s.dispose())
	assert.False(t, s.dispose())
	assert.Equal(t, SessionDisposed, s.State())
	assert.Equal(t, 1, n.torndown())
}

func TestConcurrentInitiatesKeepTheLastWriter(t *testing.T) {
	ctx := context.Background()
	store := seededMemory()
	hooked := &readHook{Memory: store}

	aliceDev, bobDev := &fakeDevices{}, &fakeDevices{}
	alice := runController(t, "alice", store, aliceDev, nil)
	bob := runController(t, "bob", hooked, bobDev, nil)

	require.NoError(t, alice.Open(ctx, testConversation))
	require.NoError(t, bob.Open(ctx, testConversation))

	// alice's offer lands between bob's read and bob's write.
	hooked.mu.Lock()
	hooked.after = func() {
		assert.NoError(t, alice.InitiateCall(ctx, testConversation))
	}
	hooked.mu.Unlock()

	require.NoError(t, bob.InitiateCall(ctx, testConversation))

	rec, err := store.Read(ctx, testConversation)
	require.NoError(t, err)
	assert.Equal(t, signal.PeerID("bob"), rec.Initiator)
	assert.Equal(t, signal.StatusRinging, rec.Status)
	require.Equal(t, 1, aliceDev.count())

	require.Eventually(t, func() bool { return aliceDev.last().torndown() == 1 }, waitFor, tick)
	waitPhase(t, alice, PhaseRinging)
	assert.False(t, alice.State(testConversation).HasSession)

	require.NoError(t, alice.AnswerCall(ctx, testConversation))

	waitPhase(t, alice, PhaseConnected)
	waitPhase(t, bob, PhaseConnected)

	assert.Equal(t, 1, bobDev.count())
	assert.Zero(t, bobDev.last().torndown())
	assert.True(t, bob.State(testConversation).HasSession)
	assert.NotNil(t, bobDev.last().appliedAnswer())
}

func TestRecordDeliveryFailureMarksViewUncertain(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	events, cancel := h.alice.Subscribe()
	defer cancel()

	h.store.FailDelivery(testConversation, errors.New("listener lost"))

	var failed Event

	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			failed = ev
			return ev.Notice != nil && ev.Notice.Kind == KindSync
		default:
			return false
		}
	}, waitFor, tick)

	assert.True(t, failed.View.Uncertain)
	assert.True(t, failed.View.HasSession)
	assert.Equal(t, PhaseConnected, failed.View.Phase)
	assert.Zero(t, h.aliceDev.last().torndown())

	require.NoError(t, h.store.Write(h.ctx, testConversation, signal.RecordPatch{
		Status: signal.StatusPtr(signal.StatusConnected),
	}))

	require.Eventually(t, func() bool { return !h.alice.State(testConversation).Uncertain }, waitFor, tick)
	assert.True(t, h.alice.State(testConversation).HasSession)
	assert.Zero(t, h.aliceDev.last().torndown())
}

func TestHangUpDoesNotWaitForCandidateCleanup(t *testing.T) {
	ctx := context.Background()
	store := seededMemory()
	slow := &slowCleanup{Memory: store, release: make(chan struct{})}

	release := sync.OnceFunc(func() { close(slow.release) })
	defer release()

	dev := &fakeDevices{}
	alice := runController(t, "alice", slow, dev, nil)

	require.NoError(t, alice.InitiateCall(ctx, testConversation))
	require.NoError(t, store.PublishCandidate(ctx, testConversation, "alice", signal.Candidate{Candidate: "c1"}))

	hangCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	require.NoError(t, alice.HangUp(hangCtx, testConversation, false))

	_, err := alice.ToggleMute(hangCtx, testConversation)
	assert.True(t, errors.Is(err, ErrNoSession))
	assert.Len(t, store.Candidates(testConversation, "alice"), 1)

	// A new call starts only once the old candidates are gone.
	initiated := make(chan error, 1)
	go func() { initiated <- alice.InitiateCall(ctx, testConversation) }()

	select {
	case err := <-initiated:
		t.Fatalf("call started before cleanup: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case err := <-initiated:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("call never started")
	}

	assert.Empty(t, store.Candidates(testConversation, "alice"))
	assert.Equal(t, 2, dev.count())
}

func TestCandidateOutcomesAreCounted(t *testing.T) {
	ctx := context.Background()
	store := seededMemory()
	reg := prometheus.NewRegistry()
	dev := &fakeDevices{}

	bob := runController(t, "bob", store, dev, metrics.NewCalls(reg, "bob"))

	events, cancel := bob.Subscribe()
	defer cancel()

	require.NoError(t, bob.InitiateCall(ctx, testConversation))

	n := dev.last()
	n.handlers.OnCandidate(peer.CandidatePublished, nil)
	n.handlers.OnCandidate(peer.CandidatePublished, nil)
	n.handlers.OnCandidate(peer.CandidatePublishFailed, errors.Wrap(peer.ErrCandidate, "permission denied"))

	require.NoError(t, store.PublishCandidate(ctx, testConversation, "alice", signal.Candidate{Candidate: "c1"}))

	expected := `
# HELP peercall_candidates_total Total number of ICE candidates by outcome
# TYPE peercall_candidates_total counter
peercall_candidates_total{outcome="applied",self="bob"} 1
peercall_candidates_total{outcome="publish_failed",self="bob"} 1
peercall_candidates_total{outcome="published",self="bob"} 2
`

	require.Eventually(t, func() bool {
		return testutil.GatherAndCompare(reg, strings.NewReader(expected), "peercall_candidates_total") == nil
	}, waitFor, tick)

	for {
		select {
		case ev := <-events:
			assert.Nil(t, ev.Notice, "candidate failures are not shown to the user")

			continue
		default:
		}

		break
	}

	assert.Zero(t, n.torndown())
}
