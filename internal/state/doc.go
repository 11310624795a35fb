// Package state holds conversation state: the in-memory Store that the
// dispatcher and UI observers share, and the filesystem-backed archive of
// finalized messages.
package state

import "github.com/user/streamchat/internal/types"

// Compile-time interface compliance checks.
var _ types.ConversationIndexStore = (*ConversationIndex)(nil)
var _ types.MessageLog = (*MessageLog)(nil)
