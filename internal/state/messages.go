// internal/state/messages.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/user/streamchat/internal/types"
)

// MessageLog is a JSONL-backed append-only log of finalized messages.
// Messages are stored per conversation in conversations/<id>/messages.jsonl.
type MessageLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.ConversationID]*sync.Mutex
}

// NewMessageLog creates a file-backed MessageLog rooted at the given directory.
func NewMessageLog(root string) *MessageLog {
	return &MessageLog{
		root:  root,
		locks: make(map[types.ConversationID]*sync.Mutex),
	}
}

// conversationDir resolves the directory for id, rejecting ids that would
// escape the conversations directory.
func conversationDir(root string, id types.ConversationID) (string, error) {
	base := filepath.Join(root, "conversations")
	dir := filepath.Join(base, string(id))
	if id == "" || !strings.HasPrefix(dir, base+string(filepath.Separator)) || filepath.Base(dir) != string(id) {
		return "", fmt.Errorf("invalid conversation id: %q", id)
	}
	return dir, nil
}

// getLock returns the per-conversation mutex, creating one if it doesn't exist.
func (l *MessageLog) getLock(id types.ConversationID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[id] = lock
	return lock
}

func (l *MessageLog) logPath(id types.ConversationID) (string, error) {
	dir, err := conversationDir(l.root, id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "messages.jsonl"), nil
}

// count reads the log file and counts lines. Caller must hold the conversation lock.
func (l *MessageLog) count(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan message log: %w", err)
	}
	return count, nil
}

// Append adds a finalized message to the conversation's log and returns its
// sequence number.
func (l *MessageLog) Append(_ context.Context, id types.ConversationID, msg types.Message) (int64, error) {
	path, err := l.logPath(id)
	if err != nil {
		return 0, err
	}
	lock := l.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create conversation dir: %w", err)
	}

	existing, err := l.count(path)
	if err != nil {
		return 0, err
	}
	entry := types.ArchivedMessage{
		Seq:            existing + 1,
		ConversationID: id,
		Message:        msg,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("write message: %w", err)
	}
	return entry.Seq, nil
}

// Tail returns the last limit messages of the conversation. A limit of zero
// or less returns everything.
func (l *MessageLog) Tail(_ context.Context, id types.ConversationID, limit int) ([]*types.ArchivedMessage, error) {
	path, err := l.logPath(id)
	if err != nil {
		return nil, err
	}
	lock := l.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	var entries []*types.ArchivedMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry types.ArchivedMessage
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan message log: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Count returns the number of archived messages in the conversation.
func (l *MessageLog) Count(_ context.Context, id types.ConversationID) (int64, error) {
	path, err := l.logPath(id)
	if err != nil {
		return 0, err
	}
	lock := l.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	return l.count(path)
}
