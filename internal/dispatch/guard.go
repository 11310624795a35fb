package dispatch

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/streamchat/internal/types"
)

// Guard admits at most one send per conversation. A conversation with a
// send in flight holds a weight-1 semaphore (its lane); a busy lane rejects
// rather than queues. Lanes exist only while held.
type Guard struct {
	mu    sync.Mutex
	lanes map[types.ConversationKey]*semaphore.Weighted
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{lanes: make(map[types.ConversationKey]*semaphore.Weighted)}
}

// TryAcquire claims the lane for key without blocking.
func (g *Guard) TryAcquire(key types.ConversationKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lanes[key]
	if !ok {
		l = semaphore.NewWeighted(1)
		g.lanes[key] = l
	}
	return l.TryAcquire(1)
}

// Release frees and forgets the lane for key. Releasing a key that holds
// no lane does nothing.
func (g *Guard) Release(key types.ConversationKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.lanes[key]
	if !ok {
		return
	}
	l.Release(1)
	delete(g.lanes, key)
}

// Rekey moves a lane after the conversation adopted a server id. The
// caller must hold the lane.
func (g *Guard) Rekey(from, to types.ConversationKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.lanes[from]; ok {
		g.lanes[to] = l
		delete(g.lanes, from)
	}
}

func (g *Guard) held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lanes)
}
