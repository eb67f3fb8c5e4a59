package signal

import (
	"context"
)

// RecordFunc receives the latest call record of a conversation. A non-nil err reports a
// delivery failure; rec is then the zero value and should be ignored.
type RecordFunc func(rec CallRecord, err error)

// CandidateFunc receives one candidate appended by the watched peer.
type CandidateFunc func(c Candidate)

// RecordStore is the shared call record of every conversation plus the conversation
// directory. Implementations must merge patches field by field and must never touch
// conversation fields other than the call record.
type RecordStore interface {
	// Members returns the member ids of a conversation.
	Members(ctx context.Context, conversationID string) ([]PeerID, error)

	Read(ctx context.Context, conversationID string) (CallRecord, error)
	Write(ctx context.Context, conversationID string, patch RecordPatch) error

	// Subscribe calls fn with the current record and again after every change until
	// cancel is called or ctx is done. Deliveries for one subscription never overlap.
	Subscribe(ctx context.Context, conversationID string, fn RecordFunc) (cancel func(), err error)
}

// CandidateChannel carries trickled candidates, one append-only list per producing peer.
type CandidateChannel interface {
	PublishCandidate(ctx context.Context, conversationID string, self PeerID, c Candidate) error

	// SubscribeToCandidates delivers every entry appended to peer's list after the call
	// returns, exactly once and in append order. Entries that already existed are skipped.
	SubscribeToCandidates(ctx context.Context, conversationID string, peer PeerID, fn CandidateFunc) (cancel func(), err error)

	// ClearCandidates removes peer's list. Best effort; correctness never depends on it.
	ClearCandidates(ctx context.Context, conversationID string, peer PeerID) error
}

// Store is what a call controller needs from the shared document store.
type Store interface {
	RecordStore
	CandidateChannel
}
