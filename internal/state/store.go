// internal/state/store.go
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/streamchat/internal/types"
)

var (
	// ErrNotFound is returned for unknown conversation keys or message ids.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyBound is returned when a conversation already has a server id.
	ErrAlreadyBound = errors.New("conversation already bound to a server id")
	// ErrConflict is returned when adopting an id that another key already uses.
	ErrConflict = errors.New("conversation key already in use")
)

// ChangeKind names the mutation a Change describes.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeAppended ChangeKind = "appended"
	ChangePatched  ChangeKind = "patched"
	ChangeRemoved  ChangeKind = "removed"
	ChangeCleared  ChangeKind = "cleared"
	ChangeRebound  ChangeKind = "rebound"
)

// Change is delivered to observers after every mutation. Message is a copy
// of the affected message (nil for conversation-level changes).
type Change struct {
	Kind        ChangeKind            `json:"kind"`
	Key         types.ConversationKey `json:"key"`
	PreviousKey types.ConversationKey `json:"previous_key,omitempty"`
	Message     *types.Message        `json:"message,omitempty"`
}

// Patch lists the fields PatchMessage replaces. Nil fields are left alone.
type Patch struct {
	Content  *string
	Sources  *[]types.Source
	Status   *types.MessageStatus
	ServerID *string
}

// PatchFrom builds a Patch that replaces every mutable field with m's.
func PatchFrom(m types.Message) Patch {
	sources := m.Sources
	return Patch{
		Content:  &m.Content,
		Sources:  &sources,
		Status:   &m.Status,
		ServerID: &m.ServerID,
	}
}

// ConversationInfo summarises one conversation held by the Store.
type ConversationInfo struct {
	Key            types.ConversationKey
	ConversationID types.ConversationID
	MessageCount   int
	CreatedAt      time.Time
}

type conversation struct {
	serverID  types.ConversationID
	order     []types.MessageID
	messages  map[types.MessageID]*types.Message
	createdAt time.Time
}

func newConversation() *conversation {
	return &conversation{
		messages:  make(map[types.MessageID]*types.Message),
		createdAt: time.Now(),
	}
}

// Store is the in-memory source of truth for every known conversation.
// Messages are held in an ordered map so updates are keyed by message id,
// never by position. It is safe for concurrent use; writers for different
// conversations touch disjoint entries.
type Store struct {
	mu            sync.RWMutex
	conversations map[types.ConversationKey]*conversation

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[types.ConversationKey]*conversation),
		observers:     make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every subsequent Change and returns a function
// that removes it. Observers run synchronously on the writer's goroutine
// after the Store lock is released, so they may read the Store.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Store) emit(c Change) {
	s.obsMu.Lock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// CreateConversation registers a new conversation under a fresh local key.
func (s *Store) CreateConversation() types.ConversationKey {
	key := types.NewLocalKey()
	s.mu.Lock()
	s.conversations[key] = newConversation()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeCreated, Key: key})
	return key
}

// OpenConversation returns the key for a server-issued conversation id,
// registering an empty conversation when it is not known yet. It is used
// to resume archived conversations.
func (s *Store) OpenConversation(id types.ConversationID) types.ConversationKey {
	key := types.KeyFor(id)
	s.mu.Lock()
	_, ok := s.conversations[key]
	if !ok {
		c := newConversation()
		c.serverID = id
		s.conversations[key] = c
	}
	s.mu.Unlock()

	if !ok {
		s.emit(Change{Kind: ChangeCreated, Key: key})
	}
	return key
}

// AppendMessage adds msg at the end of the conversation.
func (s *Store) AppendMessage(key types.ConversationKey, msg types.Message) error {
	s.mu.Lock()
	c, ok := s.conversations[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("append to %s: %w", key, ErrNotFound)
	}
	if _, dup := c.messages[msg.ID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("append %s to %s: duplicate message id", msg.ID, key)
	}
	stored := msg.Clone()
	c.order = append(c.order, msg.ID)
	c.messages[msg.ID] = &stored
	snapshot := stored.Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeAppended, Key: key, Message: &snapshot})
	return nil
}

// PatchMessage replaces the patched fields of exactly one existing message.
// It never creates a message.
func (s *Store) PatchMessage(key types.ConversationKey, id types.MessageID, p Patch) error {
	s.mu.Lock()
	c, ok := s.conversations[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("patch %s: conversation %s: %w", id, key, ErrNotFound)
	}
	m, ok := c.messages[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("patch %s in %s: %w", id, key, ErrNotFound)
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Sources != nil {
		m.Sources = append([]types.Source(nil), (*p.Sources)...)
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.ServerID != nil {
		m.ServerID = *p.ServerID
	}
	snapshot := m.Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangePatched, Key: key, Message: &snapshot})
	return nil
}

// RemoveMessage deletes one message, used to roll back an empty placeholder.
func (s *Store) RemoveMessage(key types.ConversationKey, id types.MessageID) error {
	s.mu.Lock()
	c, ok := s.conversations[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove %s: conversation %s: %w", id, key, ErrNotFound)
	}
	m, ok := c.messages[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("remove %s from %s: %w", id, key, ErrNotFound)
	}
	delete(c.messages, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	snapshot := m.Clone()
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeRemoved, Key: key, Message: &snapshot})
	return nil
}

// AdoptServerID rebinds a local conversation to its server-issued id. All
// messages move atomically; afterwards the local key is unknown.
func (s *Store) AdoptServerID(localKey types.ConversationKey, serverID types.ConversationID) (types.ConversationKey, error) {
	newKey := types.KeyFor(serverID)

	s.mu.Lock()
	c, ok := s.conversations[localKey]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("adopt %s: %w", localKey, ErrNotFound)
	}
	if c.serverID != "" {
		existing := c.serverID
		s.mu.Unlock()
		return "", fmt.Errorf("adopt %s for %s (bound to %s): %w", serverID, localKey, existing, ErrAlreadyBound)
	}
	if _, taken := s.conversations[newKey]; taken {
		s.mu.Unlock()
		return "", fmt.Errorf("adopt %s: %w", serverID, ErrConflict)
	}
	c.serverID = serverID
	delete(s.conversations, localKey)
	s.conversations[newKey] = c
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeRebound, Key: newKey, PreviousKey: localKey})
	return newKey, nil
}

// Clear empties one conversation's message list.
func (s *Store) Clear(key types.ConversationKey) error {
	s.mu.Lock()
	c, ok := s.conversations[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("clear %s: %w", key, ErrNotFound)
	}
	c.order = nil
	c.messages = make(map[types.MessageID]*types.Message)
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeCleared, Key: key})
	return nil
}

// Messages returns a copy of the conversation's messages in order.
func (s *Store) Messages(key types.ConversationKey) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[key]
	if !ok {
		return nil, fmt.Errorf("messages of %s: %w", key, ErrNotFound)
	}
	out := make([]types.Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.messages[id].Clone())
	}
	return out, nil
}

// Message returns a copy of a single message.
func (s *Store) Message(key types.ConversationKey, id types.MessageID) (types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[key]
	if !ok {
		return types.Message{}, fmt.Errorf("message %s: conversation %s: %w", id, key, ErrNotFound)
	}
	m, ok := c.messages[id]
	if !ok {
		return types.Message{}, fmt.Errorf("message %s in %s: %w", id, key, ErrNotFound)
	}
	return m.Clone(), nil
}

// Conversation returns summary information for one key.
func (s *Store) Conversation(key types.ConversationKey) (ConversationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[key]
	if !ok {
		return ConversationInfo{}, fmt.Errorf("conversation %s: %w", key, ErrNotFound)
	}
	return ConversationInfo{
		Key:            key,
		ConversationID: c.serverID,
		MessageCount:   len(c.order),
		CreatedAt:      c.createdAt,
	}, nil
}

// Conversations lists every known conversation.
func (s *Store) Conversations() []ConversationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConversationInfo, 0, len(s.conversations))
	for key, c := range s.conversations {
		out = append(out, ConversationInfo{
			Key:            key,
			ConversationID: c.serverID,
			MessageCount:   len(c.order),
			CreatedAt:      c.createdAt,
		})
	}
	return out
}
