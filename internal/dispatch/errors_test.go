package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/user/streamchat/internal/transport"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	live := context.Background()

	cancelled, cancel := context.WithCancelCause(live)
	cancel(ErrCancelled)

	stalled, stall := context.WithCancelCause(live)
	stall(fmt.Errorf("quiet: %w", ErrTimeout))

	parentGone, cancelParent := context.WithCancel(live)
	cancelParent()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want Reason
	}{
		{"status", live, fmt.Errorf("open stream: %w", &transport.StatusError{Status: 502}), ReasonServer},
		{"server event", live, &ServerError{Message: "x"}, ReasonServer},
		{"net timeout", live, fmt.Errorf("read: %w", timeoutErr{}), ReasonTimeout},
		{"connection", live, errors.New("dial tcp: connection refused"), ReasonTransport},
		{"user cancel", cancelled, errors.New("read on closed body"), ReasonCancelled},
		{"inactivity", stalled, errors.New("read on closed body"), ReasonTimeout},
		{"parent cancel", parentGone, context.Canceled, ReasonCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.ctx, tt.err); got != tt.want {
				t.Errorf("classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSendErrorRetryable(t *testing.T) {
	tests := []struct {
		err  *SendError
		want bool
	}{
		{&SendError{Reason: ReasonTransport, Err: errors.New("reset")}, true},
		{&SendError{Reason: ReasonTimeout, Err: ErrTimeout}, true},
		{&SendError{Reason: ReasonServer, Err: &transport.StatusError{Status: http.StatusServiceUnavailable}}, true},
		{&SendError{Reason: ReasonServer, Err: &transport.StatusError{Status: http.StatusTooManyRequests}}, true},
		{&SendError{Reason: ReasonServer, Err: &transport.StatusError{Status: http.StatusUnauthorized}}, false},
		{&SendError{Reason: ReasonServer, Err: &ServerError{Message: "bad input"}}, false},
	}
	for _, tt := range tests {
		if got := tt.err.Retryable(); got != tt.want {
			t.Errorf("%v: Retryable = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSendErrorDescribe(t *testing.T) {
	e := &SendError{Reason: ReasonServer, Err: fmt.Errorf("open: %w", &transport.StatusError{Status: http.StatusUnauthorized})}
	if got := e.Describe(); got != "The server rejected the credentials. Check api.token." {
		t.Errorf("unexpected description %q", got)
	}
	e = &SendError{Reason: ReasonServer, Err: &ServerError{Message: "overloaded"}}
	if got := e.Describe(); got != "The server reported an error: overloaded" {
		t.Errorf("unexpected description %q", got)
	}
}
