// Package record is the HTTP client for the record-api collaborator, the
// durable store for chat history. The delivery worker uses Create as the
// system's durability boundary: a message is done only once the record-api
// has accepted it. The gateway uses the read endpoints for inbox and channel
// history queries.
//
// Pinned contract:
//
//	POST /message {userIdSend, userIdReceive, message}  → 201
//	GET  /message?user=<id>                             → 200 [row]
//	GET  /message?user=<id>&peer=<id>                   → 200 [row]
//
// where row is {id, userIdSend, userIdReceive, message, createdAt}.
package record

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-chat-relay/internal/domain"
)

// DefaultTimeout bounds each record-api round trip when none is configured.
const DefaultTimeout = 5 * time.Second

// StoredMessage is one persisted chat message row.
type StoredMessage struct {
	ID            int64     `json:"id"`
	UserIDSend    int64     `json:"userIdSend"`
	UserIDReceive int64     `json:"userIdReceive"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"createdAt"`
}

// PersistError reports a failed persistence attempt. StatusCode is zero for
// transport-level failures (unreachable service, timeout).
type PersistError struct {
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *PersistError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("record-api rejected message: status %d", e.StatusCode)
	}
	return fmt.Sprintf("record-api unreachable: %v", e.Err)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *PersistError) Unwrap() error { return e.Err }

// Client is a thin HTTP client for the record-api. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient builds a Client for the record-api at baseURL. A nil httpClient
// uses http.DefaultClient; a non-positive timeout uses DefaultTimeout.
func NewClient(baseURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		timeout: timeout,
	}
}

// createBody is the POST /message payload. SentAt stays off this body: the
// record-api stamps its own created_at and the pinned contract has exactly
// these three fields.
type createBody struct {
	UserIDSend    int64  `json:"userIdSend"`
	UserIDReceive int64  `json:"userIdReceive"`
	Message       string `json:"message"`
}

// Create persists one envelope. Success is any 2xx (201 expected); every
// other outcome (unreachable service, timeout, non-2xx, malformed transport)
// is a *PersistError the worker treats as "requeue".
func (c *Client) Create(ctx context.Context, env domain.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(createBody{
		UserIDSend:    env.UserIDSend,
		UserIDReceive: env.UserIDReceive,
		Message:       env.Message,
	})
	if err != nil {
		return &PersistError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/message", bytes.NewReader(payload))
	if err != nil {
		return &PersistError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &PersistError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &PersistError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Inbox returns the messages received by userID, newest first.
func (c *Client) Inbox(ctx context.Context, userID int64) ([]StoredMessage, error) {
	q := url.Values{"user": {strconv.FormatInt(userID, 10)}}
	return c.list(ctx, q)
}

// Channel returns the full two-party history between a and b in send order.
func (c *Client) Channel(ctx context.Context, a, b int64) ([]StoredMessage, error) {
	q := url.Values{
		"user": {strconv.FormatInt(a, 10)},
		"peer": {strconv.FormatInt(b, 10)},
	}
	return c.list(ctx, q)
}

func (c *Client) list(ctx context.Context, q url.Values) ([]StoredMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/message?"+q.Encode(), nil)
	if err != nil {
		return nil, &PersistError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &PersistError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &PersistError{StatusCode: resp.StatusCode}
	}
	var rows []StoredMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, &PersistError{Err: fmt.Errorf("decode message list: %w", err)}
	}
	return rows, nil
}
