package peer

import (
	"github.com/pkg/errors"
)

var (
	ErrMediaAccessDenied = errors.New("microphone access denied")
	ErrDeviceUnavailable = errors.New("no audio input device")
	ErrNegotiation       = errors.New("negotiation failed")
	ErrSessionClosed     = errors.New("session is not open")
	ErrCandidate         = errors.New("candidate exchange failed")
)
