// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

// ConversationKey addresses a conversation in the Store. It is either a
// local placeholder key (see NewLocalKey) or a server-issued conversation id.
type ConversationKey string

type ConversationID string
type MessageID string
type SendID string

// localPrefix marks keys that have not been bound to a server id yet.
const localPrefix = "local:"

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewSendID() SendID {
	return SendID(uuid.New().String())
}

func NewLocalKey() ConversationKey {
	return ConversationKey(localPrefix + uuid.New().String())
}

// KeyFor returns the Store key for a server-issued conversation id.
func KeyFor(id ConversationID) ConversationKey {
	return ConversationKey(id)
}

// IsLocal reports whether the key was generated client-side and has not
// been rebound to a server conversation id.
func (k ConversationKey) IsLocal() bool {
	return strings.HasPrefix(string(k), localPrefix)
}
