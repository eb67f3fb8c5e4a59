package call

import (
	"peercall/pkg/signal"

	"github.com/pkg/errors"
)

type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleReceiver:
		return "receiver"
	}

	return "none"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "initiator":
		*r = RoleInitiator
	case "receiver":
		*r = RoleReceiver
	case "none", "":
		*r = RoleNone
	default:
		return errors.Errorf("unknown role %q", text)
	}

	return nil
}

// DeriveRole tells which side of the call described by rec self is on. Only live
// records have roles.
func DeriveRole(rec signal.CallRecord, self signal.PeerID) Role {
	if !rec.Live() || rec.Initiator == "" {
		return RoleNone
	}

	if rec.Initiator == self {
		return RoleInitiator
	}

	return RoleReceiver
}
