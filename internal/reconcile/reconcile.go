// Package reconcile maps decoded stream events onto the optimistic
// assistant message held in the Store.
package reconcile

import (
	"fmt"

	"github.com/user/streamchat/internal/state"
	"github.com/user/streamchat/internal/types"
	"github.com/user/streamchat/pkg/stream"
)

// Apply returns the message that results from applying ev to m and whether
// anything changed. It is pure. Final messages are immutable, which makes a
// repeated Complete a no-op.
func Apply(m types.Message, ev stream.Event) (types.Message, bool) {
	if m.Status.Final() {
		return m, false
	}
	m = m.Clone()

	switch e := ev.(type) {
	case stream.Token:
		if e.Text == "" {
			return m, false
		}
		m.Content += e.Text
		m.Status = types.StatusStreaming
	case stream.Sources:
		// last sources event wins
		m.Sources = append([]types.Source(nil), e.Sources...)
		m.Status = types.StatusStreaming
	case stream.Complete:
		if fm := e.Message; fm != nil {
			if m.Content == "" {
				m.Content = fm.Content
			}
			if fm.Sources != nil {
				m.Sources = append([]types.Source(nil), fm.Sources...)
			}
			if fm.ID != "" {
				m.ServerID = fm.ID
			}
		}
		m.Status = types.StatusComplete
	case stream.Error:
		m.Status = types.StatusErrored
	default:
		return m, false
	}
	return m, true
}

// Terminate moves a non-final message to the given final status.
func Terminate(m types.Message, status types.MessageStatus) (types.Message, bool) {
	if m.Status.Final() || !status.Final() {
		return m, false
	}
	m = m.Clone()
	m.Status = status
	return m, true
}

// Reconciler applies events for one placeholder message to a Store with
// keyed writes. Events must be passed in receipt order; the Reconciler
// never reorders them.
type Reconciler struct {
	store *state.Store
	key   types.ConversationKey
	id    types.MessageID
}

// New binds a Reconciler to the placeholder id under key.
func New(store *state.Store, key types.ConversationKey, id types.MessageID) *Reconciler {
	return &Reconciler{store: store, key: key, id: id}
}

// Apply reads the current snapshot, applies ev and writes the result back.
func (r *Reconciler) Apply(ev stream.Event) (types.Message, error) {
	return r.update(func(m types.Message) (types.Message, bool) { return Apply(m, ev) })
}

// Terminate finalizes the placeholder with status, keeping its content.
func (r *Reconciler) Terminate(status types.MessageStatus) (types.Message, error) {
	return r.update(func(m types.Message) (types.Message, bool) { return Terminate(m, status) })
}

// Rollback removes the placeholder from the Store.
func (r *Reconciler) Rollback() error {
	return r.store.RemoveMessage(r.key, r.id)
}

// Current returns the Store's copy of the placeholder.
func (r *Reconciler) Current() (types.Message, error) {
	return r.store.Message(r.key, r.id)
}

// Rekey points the Reconciler at the conversation's new key after the
// Store adopted a server id.
func (r *Reconciler) Rekey(key types.ConversationKey) {
	r.key = key
}

func (r *Reconciler) update(fn func(types.Message) (types.Message, bool)) (types.Message, error) {
	cur, err := r.store.Message(r.key, r.id)
	if err != nil {
		return types.Message{}, fmt.Errorf("load placeholder: %w", err)
	}
	next, changed := fn(cur)
	if !changed {
		return cur, nil
	}
	if err := r.store.PatchMessage(r.key, r.id, state.PatchFrom(next)); err != nil {
		return types.Message{}, fmt.Errorf("patch placeholder: %w", err)
	}
	return next, nil
}
