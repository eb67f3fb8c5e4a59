package call

import (
	"peercall/pkg/peer"

	"github.com/pkg/errors"
)

var (
	ErrCallActive     = errors.New("conversation already has an active call")
	ErrCallInProgress = errors.New("another call is in progress on this client")
	ErrNotPrivate     = errors.New("calls are only possible in private conversations")
	ErrNoIncomingCall = errors.New("no incoming call to answer")
	ErrNoOffer        = errors.New("incoming call carries no offer")
	ErrNoSession      = errors.New("no local call session")
	ErrStopped        = errors.New("call controller stopped")
)

// Kind groups errors by what the user is told about them.
type Kind string

const (
	KindDevice      Kind = "device"
	KindNegotiation Kind = "negotiation"
	KindSync        Kind = "sync"
	KindCandidate   Kind = "candidate"
	KindState       Kind = "state"
)

func (k Kind) Message() string {
	switch k {
	case KindDevice:
		return "Could not access your microphone."
	case KindNegotiation:
		return "Failed to connect the call."
	case KindCandidate:
		return "A network path to the other side could not be used."
	case KindState:
		return "That call action is not available right now."
	}

	return "Could not sync call state."
}

// Classify maps an error returned by the controller to its kind. Anything not raised
// by the device, the negotiator or the state checks comes from the shared store.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, peer.ErrMediaAccessDenied), errors.Is(err, peer.ErrDeviceUnavailable):
		return KindDevice
	case errors.Is(err, peer.ErrNegotiation), errors.Is(err, peer.ErrSessionClosed), errors.Is(err, ErrNoOffer):
		return KindNegotiation
	case errors.Is(err, peer.ErrCandidate):
		return KindCandidate
	case errors.Is(err, ErrCallActive), errors.Is(err, ErrCallInProgress), errors.Is(err, ErrNotPrivate),
		errors.Is(err, ErrNoIncomingCall), errors.Is(err, ErrNoSession), errors.Is(err, ErrStopped):
		return KindState
	}

	return KindSync
}

// Notice is a user-visible message about a failure.
type Notice struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func NewNotice(kind Kind, err error) *Notice {
	n := &Notice{
		Kind:    kind,
		Message: kind.Message(),
	}

	if err != nil {
		n.Detail = err.Error()
	}

	return n
}
