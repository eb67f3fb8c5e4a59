package peer

import (
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

const attrICEUfrag = "ice-ufrag"

// iceUfrag returns the ICE username fragment of a session description. Candidates
// tagged with any other fragment belong to another call attempt.
func iceUfrag(raw string) (string, error) {
	var desc sdp.SessionDescription

	if err := desc.UnmarshalString(raw); err != nil {
		return "", errors.Wrap(err, "parse sdp")
	}

	if ufrag, ok := desc.Attribute(attrICEUfrag); ok && ufrag != "" {
		return ufrag, nil
	}

	for _, m := range desc.MediaDescriptions {
		if ufrag, ok := m.Attribute(attrICEUfrag); ok && ufrag != "" {
			return ufrag, nil
		}
	}

	return "", errors.New("sdp carries no ice-ufrag")
}
