package signal

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"
)

// Sealer encrypts payloads with a key shared by both conversation members.
type Sealer interface {
	Seal(payload []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Sealed wraps a Store so that session descriptions and candidate strings are encrypted
// before they reach the shared store. Record status fields stay readable so that the
// rest of the chat application can still render call state.
type Sealed struct {
	store  Store
	sealer Sealer
}

func NewSealed(store Store, sealer Sealer) *Sealed {
	return &Sealed{
		store:  store,
		sealer: sealer,
	}
}

func (s *Sealed) Members(ctx context.Context, conversationID string) ([]PeerID, error) {
	return s.store.Members(ctx, conversationID)
}

func (s *Sealed) Read(ctx context.Context, conversationID string) (CallRecord, error) {
	rec, err := s.store.Read(ctx, conversationID)
	if err != nil {
		return CallRecord{}, err
	}

	return s.openRecord(rec)
}

func (s *Sealed) Write(ctx context.Context, conversationID string, patch RecordPatch) error {
	var err error

	if patch.Offer, err = s.sealDescription(patch.Offer); err != nil {
		return errors.Wrap(err, "seal offer")
	}

	if patch.Answer, err = s.sealDescription(patch.Answer); err != nil {
		return errors.Wrap(err, "seal answer")
	}

	return s.store.Write(ctx, conversationID, patch)
}

func (s *Sealed) Subscribe(ctx context.Context, conversationID string, fn RecordFunc) (func(), error) {
	return s.store.Subscribe(ctx, conversationID, func(rec CallRecord, err error) {
		if err != nil {
			fn(CallRecord{}, err)

			return
		}

		opened, err := s.openRecord(rec)
		if err != nil {
			fn(CallRecord{}, err)

			return
		}

		fn(opened, nil)
	})
}

func (s *Sealed) PublishCandidate(ctx context.Context, conversationID string, self PeerID, c Candidate) error {
	sealed, err := s.seal(c.Candidate)
	if err != nil {
		return errors.Wrap(err, "seal candidate")
	}

	c.Candidate = sealed

	return s.store.PublishCandidate(ctx, conversationID, self, c)
}

// SubscribeToCandidates drops entries that do not open with the shared key; they were
// written by someone else or under an older key.
func (s *Sealed) SubscribeToCandidates(ctx context.Context, conversationID string, peer PeerID, fn CandidateFunc) (func(), error) {
	return s.store.SubscribeToCandidates(ctx, conversationID, peer, func(c Candidate) {
		opened, err := s.open(c.Candidate)
		if err != nil {
			return
		}

		c.Candidate = opened

		fn(c)
	})
}

func (s *Sealed) ClearCandidates(ctx context.Context, conversationID string, peer PeerID) error {
	return s.store.ClearCandidates(ctx, conversationID, peer)
}

func (s *Sealed) openRecord(rec CallRecord) (CallRecord, error) {
	var err error

	if rec.Offer, err = s.openDescription(rec.Offer); err != nil {
		return CallRecord{}, errors.Wrap(err, "open offer")
	}

	if rec.Answer, err = s.openDescription(rec.Answer); err != nil {
		return CallRecord{}, errors.Wrap(err, "open answer")
	}

	return rec, nil
}

func (s *Sealed) sealDescription(d *SessionDescription) (*SessionDescription, error) {
	if d == nil {
		return nil, nil
	}

	sealed, err := s.seal(d.SDP)
	if err != nil {
		return nil, err
	}

	return &SessionDescription{Type: d.Type, SDP: sealed}, nil
}

func (s *Sealed) openDescription(d *SessionDescription) (*SessionDescription, error) {
	if d == nil {
		return nil, nil
	}

	opened, err := s.open(d.SDP)
	if err != nil {
		return nil, err
	}

	return &SessionDescription{Type: d.Type, SDP: opened}, nil
}

func (s *Sealed) seal(plain string) (string, error) {
	sealed, err := s.sealer.Seal([]byte(plain))
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Sealed) open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(ErrSealed, err.Error())
	}

	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return "", errors.Wrap(ErrSealed, err.Error())
	}

	return string(plain), nil
}
