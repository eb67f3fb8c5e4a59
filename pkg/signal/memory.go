package signal

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Memory is an in-process Store. Both members of a conversation may share one instance,
// which makes it the backend of choice for tests and the loopback demo. Deliveries run
// on one goroutine per subscription, never on the writer's goroutine.
type Memory struct {
	mu sync.Mutex

	conversations map[string]*memoryConversation
	candidates    map[candidateKey][]Candidate

	recordSubs    map[string]map[*recordSub]struct{}
	candidateSubs map[candidateKey]map[*candidateSub]struct{}

	writeErr error
}

type memoryConversation struct {
	members []PeerID
	call    CallRecord
	fields  map[string]any
}

type candidateKey struct {
	conversationID string
	peer           PeerID
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*memoryConversation),
		candidates:    make(map[candidateKey][]Candidate),
		recordSubs:    make(map[string]map[*recordSub]struct{}),
		candidateSubs: make(map[candidateKey]map[*candidateSub]struct{}),
	}
}

// Seed creates or replaces a conversation. fields stands in for everything the chat
// subsystem keeps next to the call record; writes never modify it.
func (m *Memory) Seed(conv Conversation, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	m.conversations[conv.ID] = &memoryConversation{
		members: append([]PeerID(nil), conv.Members...),
		call:    conv.Call,
		fields:  copied,
	}

	m.notifyLocked(conv.ID)
}

// Fields returns a copy of the non-call fields of a conversation.
func (m *Memory) Fields(conversationID string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil
	}

	copied := make(map[string]any, len(conv.fields))
	for k, v := range conv.fields {
		copied[k] = v
	}

	return copied
}

// FailWrites makes every following Write return err. A nil err restores normal writes.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeErr = err
}

// FailDelivery hands err to every current subscriber of the conversation's record, the
// way a backend reports a broken listener. Later writes are delivered normally.
func (m *Memory) FailDelivery(conversationID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.recordSubs[conversationID] {
		sub.fail(err)
	}
}

// Candidates returns the entries published by peer so far.
func (m *Memory) Candidates(conversationID string, peer PeerID) []Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Candidate(nil), m.candidates[candidateKey{conversationID, peer}]...)
}

func (m *Memory) Members(_ context.Context, conversationID string) ([]PeerID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, errors.Wrap(ErrConversationNotFound, conversationID)
	}

	return append([]PeerID(nil), conv.members...), nil
}

func (m *Memory) Read(_ context.Context, conversationID string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return CallRecord{}, errors.Wrap(ErrConversationNotFound, conversationID)
	}

	return cloneRecord(conv.call), nil
}

func (m *Memory) Write(_ context.Context, conversationID string, patch RecordPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}

	conv, ok := m.conversations[conversationID]
	if !ok {
		return errors.Wrap(ErrConversationNotFound, conversationID)
	}

	conv.call = patch.Apply(conv.call)

	m.notifyLocked(conversationID)

	return nil
}

func (m *Memory) Subscribe(ctx context.Context, conversationID string, fn RecordFunc) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return nil, errors.Wrap(ErrConversationNotFound, conversationID)
	}

	sub := newRecordSub(fn)
	sub.offer(cloneRecord(conv.call))

	if m.recordSubs[conversationID] == nil {
		m.recordSubs[conversationID] = make(map[*recordSub]struct{})
	}

	m.recordSubs[conversationID][sub] = struct{}{}

	go sub.run(ctx)

	var once sync.Once

	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.recordSubs[conversationID], sub)
			m.mu.Unlock()

			sub.stop()
		})
	}, nil
}

func (m *Memory) PublishCandidate(_ context.Context, conversationID string, self PeerID, c Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := candidateKey{conversationID, self}
	m.candidates[key] = append(m.candidates[key], c)

	for sub := range m.candidateSubs[key] {
		sub.push(c)
	}

	return nil
}

func (m *Memory) SubscribeToCandidates(ctx context.Context, conversationID string, peer PeerID, fn CandidateFunc) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := candidateKey{conversationID, peer}
	sub := newCandidateSub(fn)

	if m.candidateSubs[key] == nil {
		m.candidateSubs[key] = make(map[*candidateSub]struct{})
	}

	m.candidateSubs[key][sub] = struct{}{}

	go sub.run(ctx)

	var once sync.Once

	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.candidateSubs[key], sub)
			m.mu.Unlock()

			sub.stop()
		})
	}, nil
}

func (m *Memory) ClearCandidates(_ context.Context, conversationID string, peer PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.candidates, candidateKey{conversationID, peer})

	return nil
}

func (m *Memory) notifyLocked(conversationID string) {
	conv, ok := m.conversations[conversationID]
	if !ok {
		return
	}

	for sub := range m.recordSubs[conversationID] {
		sub.offer(cloneRecord(conv.call))
	}
}

func cloneRecord(rec CallRecord) CallRecord {
	return RecordPatch{}.Apply(rec)
}

// recordSub keeps only the newest undelivered record: a slow consumer skips
// intermediate states but always ends up at the latest one.
type recordSub struct {
	fn RecordFunc

	mu      sync.Mutex
	pending *CallRecord
	failed  error

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newRecordSub(fn RecordFunc) *recordSub {
	return &recordSub{
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *recordSub) offer(rec CallRecord) {
	s.mu.Lock()
	s.pending = &rec
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recordSub) fail(err error) {
	s.mu.Lock()
	s.failed = err
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recordSub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
		}

		s.mu.Lock()
		rec, failed := s.pending, s.failed
		s.pending, s.failed = nil, nil
		s.mu.Unlock()

		if failed != nil {
			s.fn(CallRecord{}, failed)
		}

		if rec != nil {
			s.fn(*rec, nil)
		}
	}
}

func (s *recordSub) stop() {
	s.once.Do(func() { close(s.done) })
}

type candidateSub struct {
	fn CandidateFunc

	mu    sync.Mutex
	queue []Candidate

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newCandidateSub(fn CandidateFunc) *candidateSub {
	return &candidateSub{
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *candidateSub) push(c Candidate) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *candidateSub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, c := range batch {
			s.fn(c)
		}
	}
}

func (s *candidateSub) stop() {
	s.once.Do(func() { close(s.done) })
}
