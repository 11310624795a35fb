// internal/types/ids_test.go
package types

import (
	"testing"
)

func TestNewMessageID(t *testing.T) {
	id := NewMessageID()
	if id == "" {
		t.Error("expected non-empty MessageID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
	if NewMessageID() == id {
		t.Error("expected distinct message ids")
	}
}

func TestLocalKey(t *testing.T) {
	key := NewLocalKey()
	if !key.IsLocal() {
		t.Errorf("expected %s to be local", key)
	}
	if KeyFor("conv-123").IsLocal() {
		t.Error("server key reported as local")
	}
	if KeyFor("conv-123") != ConversationKey("conv-123") {
		t.Errorf("unexpected server key %s", KeyFor("conv-123"))
	}
}
