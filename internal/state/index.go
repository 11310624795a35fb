// internal/state/index.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/streamchat/internal/types"
)

// ConversationIndex is a JSON-file-backed list of archived conversations.
// It stores index data in conversations/conversations.json and creates
// per-conversation directories at conversations/<conversationID>/.
type ConversationIndex struct {
	root string
	mu   sync.RWMutex
}

// NewConversationIndex creates a file-backed index rooted at the given directory.
func NewConversationIndex(root string) *ConversationIndex {
	return &ConversationIndex{root: root}
}

func (s *ConversationIndex) indexPath() string {
	return filepath.Join(s.root, "conversations", "conversations.json")
}

func (s *ConversationIndex) conversationsDir() string {
	return filepath.Join(s.root, "conversations")
}

// loadIndex reads conversations.json and returns a map keyed by ConversationID.
func (s *ConversationIndex) loadIndex() (map[types.ConversationID]*types.ConversationIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ConversationID]*types.ConversationIndex), nil
		}
		return nil, fmt.Errorf("read conversation index: %w", err)
	}

	var entries []*types.ConversationIndex
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal conversation index: %w", err)
	}

	index := make(map[types.ConversationID]*types.ConversationIndex, len(entries))
	for _, e := range entries {
		index[e.ConversationID] = e
	}
	return index, nil
}

// saveIndex writes the index sorted by last update, atomically.
func (s *ConversationIndex) saveIndex(index map[types.ConversationID]*types.ConversationIndex) error {
	entries := sortedEntries(index)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation index: %w", err)
	}

	if err := os.MkdirAll(s.conversationsDir(), 0o755); err != nil {
		return fmt.Errorf("create conversations dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

func sortedEntries(index map[types.ConversationID]*types.ConversationIndex) []*types.ConversationIndex {
	entries := make([]*types.ConversationIndex, 0, len(index))
	for _, e := range index {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	return entries
}

// Upsert records activity on a conversation, creating the entry on first
// use. The title is only set once; later titles are ignored.
func (s *ConversationIndex) Upsert(_ context.Context, id types.ConversationID, projectID, title string, messageCount int64) (*types.ConversationIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entry, ok := index[id]
	if !ok {
		entry = &types.ConversationIndex{
			ConversationID: id,
			ProjectID:      projectID,
			CreatedAt:      now,
		}
		index[id] = entry
	}
	if entry.Title == "" {
		entry.Title = title
	}
	entry.UpdatedAt = now
	entry.MessageCount = messageCount

	if err := s.saveIndex(index); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the archived entry for id.
func (s *ConversationIndex) Get(_ context.Context, id types.ConversationID) (*types.ConversationIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	entry, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return entry, nil
}

// List returns all archived conversations, most recently updated first.
func (s *ConversationIndex) List(_ context.Context) ([]*types.ConversationIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sortedEntries(index), nil
}

// Delete removes the entry and the conversation's directory.
func (s *ConversationIndex) Delete(_ context.Context, id types.ConversationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[id]; !ok {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	delete(index, id)
	if err := s.saveIndex(index); err != nil {
		return err
	}

	dir, err := conversationDir(s.root, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove conversation dir: %w", err)
	}
	return nil
}
