package call

import (
	"peercall/pkg/signal"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDialing   Phase = "dialing"
	PhaseRinging   Phase = "ringing"
	PhaseConnected Phase = "connected"
	PhaseEnded     Phase = "ended"
	PhaseDeclined  Phase = "declined"
)

// Terminal phases are left for Idle by the next call.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseIdle, PhaseEnded, PhaseDeclined:
		return true
	}

	return false
}

type Command string

const (
	CommandInitiate Command = "initiate"
	CommandAnswer   Command = "answer"
	CommandDecline  Command = "decline"
	CommandHangUp   Command = "hangup"
	CommandMute     Command = "mute"
)

// Evaluate maps the latest call record to the phase self should render. It depends on
// nothing but its arguments, so redundant deliveries of the same record are harmless.
func Evaluate(rec signal.CallRecord, self signal.PeerID) Phase {
	if !rec.Live() {
		switch {
		case rec.Status == signal.StatusDeclined:
			return PhaseDeclined
		case rec.Status == "" && !rec.Active:
			return PhaseIdle
		}

		return PhaseEnded
	}

	// Every live call has exactly one initiator.
	if rec.Initiator == "" {
		return PhaseEnded
	}

	switch rec.Status {
	case signal.StatusConnected:
		return PhaseConnected
	case signal.StatusRinging, signal.StatusDialing:
		if DeriveRole(rec, self) == RoleInitiator {
			return PhaseDialing
		}

		return PhaseRinging
	}

	return PhaseEnded
}

// Allowed lists the commands a user interface should offer in phase p. Hanging up is
// accepted in every phase regardless.
func (p Phase) Allowed() []Command {
	switch p {
	case PhaseRinging:
		return []Command{CommandAnswer, CommandDecline}
	case PhaseDialing, PhaseConnected:
		return []Command{CommandHangUp, CommandMute}
	}

	return []Command{CommandInitiate}
}

// View is the reactive call state of one conversation as the UI renders it.
type View struct {
	ConversationID string        `json:"conversationId"`
	Peer           signal.PeerID `json:"peer,omitempty"`
	Phase          Phase         `json:"phase"`
	Role           Role          `json:"role"`
	Allowed        []Command     `json:"allowed"`

	HasSession  bool   `json:"hasSession"`
	Muted       bool   `json:"muted"`
	RemoteMuted bool   `json:"remoteMuted"`
	Connection  string `json:"connection,omitempty"`

	// Uncertain is set while the record subscription reports errors.
	Uncertain bool `json:"uncertain"`
}

// Incoming reports whether the view should render the incoming call prompt.
func (v View) Incoming() bool {
	return v.Phase == PhaseRinging
}

// Waiting reports whether the view should render the outgoing "calling..." state.
func (v View) Waiting() bool {
	return v.Phase == PhaseDialing
}
