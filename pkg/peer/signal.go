package peer

import (
	"context"

	"peercall/pkg/signal"
)

// CandidatePublisher is the part of the signaling channel a negotiator writes to. Every
// candidate the local agent discovers is handed over as soon as it is found.
type CandidatePublisher interface {
	PublishCandidate(ctx context.Context, conversationID string, self signal.PeerID, c signal.Candidate) error
}

// Outcomes of a single candidate as reported to Handlers.OnCandidate.
const (
	CandidatePublished     = "published"
	CandidatePublishFailed = "publish_failed"
	CandidateRejected      = "rejected"
	CandidateStale         = "stale"
)

// Handlers are called from pion's goroutines and must not block.
type Handlers struct {
	// OnConnectionState receives every peer connection state change, e.g. "connected".
	OnConnectionState func(state string)

	// OnRemoteMute reports the mute state the remote side announced on the control channel.
	OnRemoteMute func(muted bool)

	// OnCandidate reports what became of a local or remote candidate. err wraps
	// ErrCandidate for the failed outcomes.
	OnCandidate func(outcome string, err error)
}

func (h Handlers) connectionState(state string) {
	if h.OnConnectionState != nil {
		h.OnConnectionState(state)
	}
}

func (h Handlers) remoteMute(muted bool) {
	if h.OnRemoteMute != nil {
		h.OnRemoteMute(muted)
	}
}

func (h Handlers) candidate(outcome string, err error) {
	if h.OnCandidate != nil {
		h.OnCandidate(outcome, err)
	}
}
