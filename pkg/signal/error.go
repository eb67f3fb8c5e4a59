package signal

import (
	"github.com/pkg/errors"
)

// ErrConversationNotFound is returned by a store when the conversation document does
// not exist. The signaling core never creates conversations itself.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrSubscriptionClosed is passed to a record callback when the store stops delivering
// updates for reasons other than cancellation.
var ErrSubscriptionClosed = errors.New("subscription closed")

// ErrSealed is returned when a sealed payload cannot be opened with the configured key.
var ErrSealed = errors.New("cannot open sealed payload")
