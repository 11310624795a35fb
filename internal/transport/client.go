// Package transport opens authenticated, streamed chat requests.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// ConversationHeader carries the server-issued conversation id.
const ConversationHeader = "X-Conversation-ID"

const (
	defaultChatPath       = "/api/chat/stream"
	defaultHeaderTimeout  = 30 * time.Second
	maxErrorBodyBytes     = 4 * 1024
	dialTimeout           = 10 * time.Second
	keepAliveInterval     = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	idleConnectionTimeout = 90 * time.Second
)

// Config holds the endpoint and credentials of the chat API.
type Config struct {
	BaseURL  string
	Token    string
	ChatPath string
	// HeaderTimeout bounds the wait for response headers. The body itself
	// has no deadline; callers impose an inactivity timeout.
	HeaderTimeout time.Duration
}

// Request is the JSON body of a chat send.
type Request struct {
	Message        string `json:"message"`
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Response is an open streaming response. The caller owns Body.
type Response struct {
	Body           io.ReadCloser
	Status         int
	ConversationID string
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error (status %d)", e.Status)
	}
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Body)
}

// Client opens chat streams against an HTTP API.
type Client struct {
	config     *Config
	httpClient *http.Client
}

// New creates a Client. The http.Client has no overall timeout because
// response bodies may stream for minutes.
func New(config *Config) *Client {
	headerTimeout := config.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   dialTimeout,
					KeepAlive: keepAliveInterval,
				}).DialContext,
				TLSHandshakeTimeout:   tlsHandshakeTimeout,
				ResponseHeaderTimeout: headerTimeout,
				IdleConnTimeout:       idleConnectionTimeout,
			},
		},
	}
}

// NewWithHTTPClient creates a Client that uses hc, e.g. an httptest client.
func NewWithHTTPClient(config *Config, hc *http.Client) *Client {
	return &Client{config: config, httpClient: hc}
}

func (c *Client) endpoint() string {
	path := c.config.ChatPath
	if path == "" {
		path = defaultChatPath
	}
	return strings.TrimSuffix(c.config.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/")
}

// Open posts req and returns once response headers have arrived. Canceling
// ctx aborts both the request and any later body reads.
func (c *Client) Open(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.config.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	slog.Debug("opening chat stream",
		"url", httpReq.URL.String(),
		"headers", safeHeaders(httpReq.Header),
		"conversation_id", req.ConversationID,
	)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}

	return &Response{
		Body:           resp.Body,
		Status:         resp.StatusCode,
		ConversationID: strings.TrimSpace(resp.Header.Get(ConversationHeader)),
	}, nil
}

// IsStatus reports whether err is a StatusError with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"x-api-key":     {},
}

// safeHeaders returns the first value of each header with credentials redacted.
func safeHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			out[k] = "<redacted>"
			continue
		}
		out[k] = v[0]
	}
	return out
}
