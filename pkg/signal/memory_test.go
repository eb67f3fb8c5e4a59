package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testConversation = "alice_bob"
	waitFor          = 2 * time.Second
	tick             = 5 * time.Millisecond
)

type recordLog struct {
	mu   sync.Mutex
	recs []CallRecord
	errs []error
}

func (l *recordLog) fn(rec CallRecord, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		l.errs = append(l.errs, err)

		return
	}

	l.recs = append(l.recs, rec)
}

func (l *recordLog) last() (CallRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.recs) == 0 {
		return CallRecord{}, false
	}

	return l.recs[len(l.recs)-1], true
}

type candidateLog struct {
	mu    sync.Mutex
	cands []Candidate
}

func (l *candidateLog) fn(c Candidate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cands = append(l.cands, c)
}

func (l *candidateLog) all() []Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]Candidate(nil), l.cands...)
}

func newTestMemory() *Memory {
	m := NewMemory()
	m.Seed(Conversation{ID: testConversation, Members: []PeerID{"alice", "bob"}}, map[string]any{
		"lastMessage": "hi",
	})

	return m
}

func candidate(s string) Candidate {
	return Candidate{Candidate: s}
}

func TestMemorySubscribeDeliversCurrentRecord(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, testConversation, RecordPatch{
		Active: BoolPtr(true),
		Status: StatusPtr(StatusRinging),
	}))

	var log recordLog

	cancel, err := m.Subscribe(ctx, testConversation, log.fn)
	require.NoError(t, err)
	defer cancel()

	assert.Eventually(t, func() bool {
		rec, ok := log.last()
		return ok && rec.Status == StatusRinging
	}, waitFor, tick)
}

func TestMemorySubscribeSeesLatestWrite(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	var log recordLog

	cancel, err := m.Subscribe(ctx, testConversation, log.fn)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.Write(ctx, testConversation, RecordPatch{Status: StatusPtr(StatusDialing)}))
	require.NoError(t, m.Write(ctx, testConversation, RecordPatch{Status: StatusPtr(StatusRinging)}))
	require.NoError(t, m.Write(ctx, testConversation, RecordPatch{Status: StatusPtr(StatusConnected)}))

	assert.Eventually(t, func() bool {
		rec, ok := log.last()
		return ok && rec.Status == StatusConnected
	}, waitFor, tick)
}

func TestMemoryWritePreservesSiblingFields(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, testConversation, RecordPatch{
		Active:    BoolPtr(true),
		Initiator: PeerPtr("alice"),
		Offer:     &SessionDescription{Type: "offer", SDP: "o"},
		Status:    StatusPtr(StatusRinging),
		Replace:   true,
	}))
	require.NoError(t, m.Write(ctx, testConversation, RecordPatch{
		Answer: &SessionDescription{Type: "answer", SDP: "a"},
	}))

	rec, err := m.Read(ctx, testConversation)
	require.NoError(t, err)

	assert.True(t, rec.Active)
	assert.Equal(t, StatusRinging, rec.Status)
	assert.Equal(t, "o", rec.Offer.SDP)
	assert.Equal(t, "a", rec.Answer.SDP)
	assert.Equal(t, map[string]any{"lastMessage": "hi"}, m.Fields(testConversation))
}

func TestMemoryUnknownConversation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Read(ctx, "nope")
	assert.True(t, errors.Is(err, ErrConversationNotFound))

	err = m.Write(ctx, "nope", RecordPatch{Status: StatusPtr(StatusEnded)})
	assert.True(t, errors.Is(err, ErrConversationNotFound))

	_, err = m.Subscribe(ctx, "nope", func(CallRecord, error) {})
	assert.True(t, errors.Is(err, ErrConversationNotFound))
}

func TestMemoryFailWrites(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()
	boom := errors.New("offline")

	m.FailWrites(boom)
	assert.Equal(t, boom, m.Write(ctx, testConversation, RecordPatch{Status: StatusPtr(StatusEnded)}))

	m.FailWrites(nil)
	assert.NoError(t, m.Write(ctx, testConversation, RecordPatch{Status: StatusPtr(StatusEnded)}))
}

func TestMemoryFailDelivery(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()
	boom := errors.New("listener lost")

	var log recordLog

	cancel, err := m.Subscribe(ctx, testConversation, log.fn)
	require.NoError(t, err)
	defer cancel()

	assert.Eventually(t, func() bool {
		_, ok := log.last()
		return ok
	}, waitFor, tick)

	m.FailDelivery(testConversation, boom)

	assert.Eventually(t, func() bool {
		log.mu.Lock()
		defer log.mu.Unlock()

		return len(log.errs) == 1 && errors.Is(log.errs[0], boom)
	}, waitFor, tick)

	require.NoError(t, m.Write(ctx, testConversation, RecordPatch{Status: StatusPtr(StatusEnded)}))

	assert.Eventually(t, func() bool {
		rec, ok := log.last()
		return ok && rec.Status == StatusEnded
	}, waitFor, tick)
}

func TestMemoryCandidatesSkipPreExisting(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	require.NoError(t, m.PublishCandidate(ctx, testConversation, "alice", candidate("old")))

	var log candidateLog

	cancel, err := m.SubscribeToCandidates(ctx, testConversation, "alice", log.fn)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.PublishCandidate(ctx, testConversation, "alice", candidate("c1")))
	require.NoError(t, m.PublishCandidate(ctx, testConversation, "alice", candidate("c2")))
	require.NoError(t, m.PublishCandidate(ctx, testConversation, "alice", candidate("c3")))

	assert.Eventually(t, func() bool { return len(log.all()) == 3 }, waitFor, tick)

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []Candidate{candidate("c1"), candidate("c2"), candidate("c3")}, log.all())
}

func TestMemoryCandidatesAreSeparatedByPeer(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	var log candidateLog

	cancel, err := m.SubscribeToCandidates(ctx, testConversation, "bob", log.fn)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.PublishCandidate(ctx, testConversation, "alice", candidate("mine")))
	require.NoError(t, m.PublishCandidate(ctx, testConversation, "bob", candidate("theirs")))

	assert.Eventually(t, func() bool { return len(log.all()) == 1 }, waitFor, tick)
	assert.Equal(t, "theirs", log.all()[0].Candidate)
}

func TestMemoryCandidateCancelStopsDelivery(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	var log candidateLog

	cancel, err := m.SubscribeToCandidates(ctx, testConversation, "alice", log.fn)
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, m.PublishCandidate(ctx, testConversation, "alice", candidate("late")))

	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, log.all())
}

func TestMemoryClearCandidates(t *testing.T) {
	m := newTestMemory()
	ctx := context.Background()

	require.NoError(t, m.PublishCandidate(ctx, testConversation, "alice", candidate("c1")))
	require.NoError(t, m.ClearCandidates(ctx, testConversation, "alice"))

	assert.Empty(t, m.Candidates(testConversation, "alice"))
}
