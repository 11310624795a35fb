package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/user/streamchat/internal/transport"
)

// Reason classifies why a send did not complete. Malformed frames are
// dropped by the decoder and never produce a Reason.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonTransport Reason = "transport"
	ReasonServer    Reason = "server"
	ReasonTimeout   Reason = "timeout"
	ReasonCancelled Reason = "cancelled"
)

var (
	// ErrEmptyMessage is returned by Send for empty or whitespace-only text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSendInFlight is returned by Send while the conversation already
	// has a send in progress.
	ErrSendInFlight = errors.New("a send is already in flight for this conversation")
	// ErrCancelled is the cancellation cause used by Handle.Cancel and by
	// switching conversations.
	ErrCancelled = errors.New("send cancelled")
	// ErrTimeout is the cancellation cause used when the stream goes quiet
	// for longer than the inactivity timeout.
	ErrTimeout = errors.New("stream inactivity timeout")
)

// ServerError is a failure reported by the server inside the stream.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// SendError is the error attached to a Cancelled or Failed Result.
type SendError struct {
	Reason Reason
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Reason, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether sending the same text again may succeed.
// Connection failures, stalls and 5xx responses are transient; client
// errors and server-reported errors are not. Cancellation is never
// retried automatically, but the user may resend.
func (e *SendError) Retryable() bool {
	switch e.Reason {
	case ReasonTransport, ReasonTimeout, ReasonCancelled:
		return true
	case ReasonServer:
		var se *transport.StatusError
		if errors.As(e.Err, &se) {
			return se.Status >= http.StatusInternalServerError || se.Status == http.StatusTooManyRequests
		}
		return false
	default:
		return false
	}
}

// Describe returns a message suitable for a notification.
func (e *SendError) Describe() string {
	switch e.Reason {
	case ReasonTransport:
		return "Could not reach the server. Check your connection and try again."
	case ReasonTimeout:
		return "The response stalled and was stopped."
	case ReasonCancelled:
		return "Generation stopped."
	case ReasonServer:
		var srv *ServerError
		if errors.As(e.Err, &srv) {
			return "The server reported an error: " + srv.Message
		}
		var se *transport.StatusError
		if errors.As(e.Err, &se) {
			switch se.Status {
			case http.StatusUnauthorized, http.StatusForbidden:
				return "The server rejected the credentials. Check api.token."
			case http.StatusTooManyRequests:
				return "Too many requests. Wait a moment and try again."
			}
			return fmt.Sprintf("The server returned status %d.", se.Status)
		}
		return "The server returned an error."
	default:
		return e.Err.Error()
	}
}

// classify maps the error that ended a send onto a Reason. Once the send
// context is done its cause decides, so a body read that fails because the
// body was closed on cancel is not mistaken for a transport failure.
func classify(ctx context.Context, err error) Reason {
	if ctx.Err() != nil {
		return causeReason(context.Cause(ctx))
	}
	var se *transport.StatusError
	if errors.As(err, &se) {
		return ReasonServer
	}
	var srv *ServerError
	if errors.As(err, &srv) {
		return ReasonServer
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ReasonTimeout
	}
	return ReasonTransport
}

func causeReason(cause error) Reason {
	if errors.Is(cause, ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonCancelled
}
