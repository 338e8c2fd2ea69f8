// HTTP client for the auth-api collaborator.
//
// Pinned contract:
//
//	GET /user?email=<x>                               → 200 {id, email, ...} | 404
//	GET /user?all=true                                → 200 [{id, email, ...}]
//	GET /token?userIdentifier=<x>  (Authorization)    → 200 {auth: true|false}
//
// Every call carries a bounded timeout so a stalled auth-api can never hang a
// publish or an HTTP request indefinitely.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each auth-api round trip when none is configured.
const DefaultTimeout = 5 * time.Second

// User is the auth-api's representation of an account.
type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Introspection is the auth-api's answer to a token check. Auth is the only
// guaranteed field; Subject fields are echoed by newer auth-api versions and
// used for an additional binding check when present.
type Introspection struct {
	Auth   bool   `json:"auth"`
	UserID int64  `json:"id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Client is a thin HTTP client for the auth-api. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// NewClient builds a Client for the auth-api at baseURL. A nil httpClient
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

// UserByEmail looks up a single user by email. Returns ErrUserNotFound on
// 404 and an UpstreamError for transport failures and server errors.
func (c *Client) UserByEmail(ctx context.Context, email, token string) (*User, error) {
	q := url.Values{"email": {email}}
	var u User
	if err := c.get(ctx, "/user", q, token, &u); err != nil {
		return nil, err
	}
	if u.ID <= 0 {
		// A 200 without an id is a contract violation, not a missing user.
		return nil, upstream(fmt.Errorf("user lookup returned no id for %q", email))
	}
	return &u, nil
}

// Users returns the full user listing (GET /user?all=true). Used by the
// resolver as a username fallback when an email lookup misses.
func (c *Client) Users(ctx context.Context, token string) ([]User, error) {
	q := url.Values{"all": {"true"}}
	var users []User
	if err := c.get(ctx, "/user", q, token, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Introspect asks the auth-api whether token is valid and bound to the
// claimed identifier. Transport failures and non-200 responses surface as
// errors; translating those into a boolean verification outcome is the
// Verifier's job.
func (c *Client) Introspect(ctx context.Context, token, identifier string) (*Introspection, error) {
	q := url.Values{"userIdentifier": {identifier}}
	var res Introspection
	if err := c.get(ctx, "/token", q, token, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// get performs a GET against path with the bounded per-call timeout and
// decodes a JSON 200 body into out.
func (c *Client) get(ctx context.Context, path string, q url.Values, token string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return upstream(err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return upstream(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return upstream(fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrUserNotFound
	default:
		return upstream(fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode))
	}
}
