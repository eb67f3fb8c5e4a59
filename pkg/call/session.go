package call

import (
	"context"

	"peercall/pkg/peer"
	"peercall/pkg/signal"
)

// Negotiator is the session negotiation surface the controller drives. *peer.WebRTC
// implements it.
type Negotiator interface {
	CreateLocalSession(ctx context.Context) error
	CreateOffer(ctx context.Context) (signal.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer signal.SessionDescription) (signal.SessionDescription, error)
	ApplyRemoteAnswer(ctx context.Context, answer signal.SessionDescription) error
	AddRemoteCandidate(c signal.Candidate)
	HasPendingOffer() bool
	SetMuted(muted bool) error
	Teardown()
}

// NegotiatorFactory builds the negotiator of one call attempt with the remote member
// of a conversation.
type NegotiatorFactory func(conversationID string, remote signal.PeerID, handlers peer.Handlers) Negotiator

type SessionState int

const (
	SessionCreated SessionState = iota
	SessionActive
	SessionDisposed
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionDisposed:
		return "disposed"
	}

	return "created"
}

// Session is the local side of one call attempt. It is owned by the controller, goes
// created -> active -> disposed and never back.
type Session struct {
	conversationID string
	remote         signal.PeerID
	role           Role
	negotiator     Negotiator

	// offer identifies the call attempt in the shared record. confirmed is set once a
	// delivered record carried it.
	offer     string
	confirmed bool

	state       SessionState
	muted       bool
	remoteMuted bool
	connection  string
}

func newSession(conversationID string, remote signal.PeerID, role Role) *Session {
	return &Session{
		conversationID: conversationID,
		remote:         remote,
		role:           role,
	}
}

func (s *Session) ConversationID() string {
	return s.conversationID
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) State() SessionState {
	return s.state
}

// activate reports whether the session was not active before.
func (s *Session) activate() bool {
	if s.state != SessionCreated {
		return false
	}

	s.state = SessionActive

	return true
}

// dispose tears the negotiator down once; later calls do nothing.
func (s *Session) dispose() bool {
	if s.state == SessionDisposed {
		return false
	}

	s.state = SessionDisposed

	if s.negotiator != nil {
		s.negotiator.Teardown()
	}

	return true
}
