// Call records and candidate entries are the only two shapes a peer writes into the
// shared store. A CallRecord lives in the "call" field of a Conversation document and
// is written by both members; a Candidate is appended to a per-peer list under the same
// conversation and never modified afterwards.

package signal

import (
	"sort"
	"strconv"
	"strings"
)

type PeerID string

func (id PeerID) String() string {
	return string(id)
}

type CallStatus string

const (
	StatusDialing   CallStatus = "dialing"
	StatusRinging   CallStatus = "ringing"
	StatusConnected CallStatus = "connected"
	StatusDeclined  CallStatus = "declined"
	StatusEnded     CallStatus = "ended"
)

// Live reports whether the status belongs to a call in progress or being set up.
func (s CallStatus) Live() bool {
	switch s {
	case StatusDialing, StatusRinging, StatusConnected:
		return true
	}

	return false
}

// SessionDescription is an opaque offer or answer. Type is "offer" or "answer".
type SessionDescription struct {
	Type string `json:"type" bson:"type" firestore:"type"`
	SDP  string `json:"sdp" bson:"sdp" firestore:"sdp"`
}

type CallRecord struct {
	Active    bool                `json:"active"`
	Initiator PeerID              `json:"initiator"`
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Status    CallStatus          `json:"status,omitempty"`
}

// EffectiveStatus treats an absent status as ended.
func (r CallRecord) EffectiveStatus() CallStatus {
	if r.Status == "" {
		return StatusEnded
	}

	return r.Status
}

// Live reports whether the record describes a call that is in progress or being set up.
// Both the active flag and the status must agree.
func (r CallRecord) Live() bool {
	return r.Active && r.EffectiveStatus().Live()
}

// RecordPatch is a partial CallRecord. Nil fields are left untouched by a merge write.
// With Replace set the whole call field is overwritten and nil fields are cleared;
// sibling fields of the conversation are never touched either way.
type RecordPatch struct {
	Active    *bool
	Initiator *PeerID
	Offer     *SessionDescription
	Answer    *SessionDescription
	Status    *CallStatus

	Replace bool
}

// Apply returns rec with the patch merged in.
func (p RecordPatch) Apply(rec CallRecord) CallRecord {
	if p.Replace {
		rec = CallRecord{}
	}

	if p.Active != nil {
		rec.Active = *p.Active
	}

	if p.Initiator != nil {
		rec.Initiator = *p.Initiator
	}

	if p.Offer != nil {
		offer := *p.Offer
		rec.Offer = &offer
	}

	if p.Answer != nil {
		answer := *p.Answer
		rec.Answer = &answer
	}

	if p.Status != nil {
		rec.Status = *p.Status
	}

	return rec
}

// Candidate is one trickled connectivity candidate. UsernameFragment identifies the ICE
// session (and so the call attempt) that produced it.
type Candidate struct {
	Candidate        string  `json:"candidate" bson:"candidate" firestore:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" bson:"sdp_mid,omitempty" firestore:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" bson:"sdp_m_line_index,omitempty" firestore:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" bson:"username_fragment,omitempty" firestore:"usernameFragment,omitempty"`
}

// Key identifies a candidate for duplicate suppression.
func (c Candidate) Key() string {
	var b strings.Builder

	b.WriteString(c.Candidate)
	b.WriteByte('|')

	if c.SDPMid != nil {
		b.WriteString(*c.SDPMid)
	}

	b.WriteByte('|')

	if c.SDPMLineIndex != nil {
		b.WriteString(strconv.FormatUint(uint64(*c.SDPMLineIndex), 10))
	}

	b.WriteByte('|')

	if c.UsernameFragment != nil {
		b.WriteString(*c.UsernameFragment)
	}

	return b.String()
}

type Conversation struct {
	ID      string
	Members []PeerID
	Call    CallRecord
}

// OtherMember returns the member that is not self. ok is false unless the conversation
// is a private one that self belongs to.
func OtherMember(members []PeerID, self PeerID) (PeerID, bool) {
	if len(members) != 2 {
		return "", false
	}

	switch self {
	case members[0]:
		return members[1], members[1] != self
	case members[1]:
		return members[0], true
	}

	return "", false
}

// PrivateConversationID is the id of the private conversation between a and b: the two
// ids sorted and joined with an underscore.
func PrivateConversationID(a, b PeerID) string {
	ids := []string{string(a), string(b)}
	sort.Strings(ids)

	return strings.Join(ids, "_")
}

func BoolPtr(v bool) *bool { return &v }

func StatusPtr(v CallStatus) *CallStatus { return &v }

func PeerPtr(v PeerID) *PeerID { return &v }
