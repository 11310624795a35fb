// internal/types/interfaces.go
package types

import (
	"context"
)

// ConversationIndexStore persists the list of known conversations.
type ConversationIndexStore interface {
	Upsert(ctx context.Context, id ConversationID, projectID, title string, messageCount int64) (*ConversationIndex, error)
	Get(ctx context.Context, id ConversationID) (*ConversationIndex, error)
	List(ctx context.Context) ([]*ConversationIndex, error)
	Delete(ctx context.Context, id ConversationID) error
}

// MessageLog is an append-only log of finalized messages per conversation.
type MessageLog interface {
	Append(ctx context.Context, id ConversationID, msg Message) (int64, error)
	Tail(ctx context.Context, id ConversationID, limit int) ([]*ArchivedMessage, error)
	Count(ctx context.Context, id ConversationID) (int64, error)
}
