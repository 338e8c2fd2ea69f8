// Identifier resolution with caching.
//
// The resolver turns whatever the caller typed ("42", "a@x.com", "alice")
// into the canonical numeric id the rest of the system routes by. Numeric
// identifiers short-circuit without any network call or cache touch; anything
// else is answered from the injected cache or looked up against the auth-api
// and cached on success. Failures are never cached.
package identity

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/tbourn/go-chat-relay/internal/cache"
)

// numericIDRE matches identifiers that are already a decimal user id.
var numericIDRE = regexp.MustCompile(`^[0-9]+$`)

// directory is the slice of the auth-api client the resolver needs.
type directory interface {
	UserByEmail(ctx context.Context, email, token string) (*User, error)
	Users(ctx context.Context, token string) ([]User, error)
}

// Resolver maps user identifiers to resolved numeric ids.
//
// Concurrency: the cache is read-mostly and only ever gains entries.
// Concurrent resolution of the same cold identifier may perform duplicate
// upstream lookups; both writers store the same mapping, so no coordination
// beyond the cache's own atomicity is needed.
type Resolver struct {
	dir   directory
	cache cache.Cache
}

// NewResolver builds a Resolver around the auth-api client and an explicit
// cache. A nil cache gets a default-sized in-process LRU.
func NewResolver(dir directory, c cache.Cache) *Resolver {
	if c == nil {
		c = cache.NewLRU(cache.DefaultSize)
	}
	return &Resolver{dir: dir, cache: c}
}

// Resolve returns the canonical numeric id for identifier.
//
// Errors: ErrUserNotFound when nothing matches, *UpstreamError when the
// auth-api is unreachable or failing. Neither is retried here; the caller
// decides.
func (r *Resolver) Resolve(ctx context.Context, identifier, token string) (int64, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return 0, ErrUserNotFound
	}

	// Already numeric: parse and return, no network, no cache.
	if numericIDRE.MatchString(identifier) {
		id, err := strconv.ParseInt(identifier, 10, 64)
		if err != nil || id <= 0 {
			return 0, ErrUserNotFound
		}
		return id, nil
	}

	if id, ok := r.cache.Get(ctx, identifier); ok {
		return id, nil
	}

	u, err := r.dir.UserByEmail(ctx, identifier, token)
	if err == nil {
		r.cache.Put(ctx, identifier, u.ID)
		return u.ID, nil
	}
	if err != ErrUserNotFound {
		return 0, err
	}

	// Not an email match. Identifiers without an '@' may be usernames, which
	// the auth-api only exposes through its full listing.
	if strings.Contains(identifier, "@") {
		return 0, ErrUserNotFound
	}
	users, err := r.dir.Users(ctx, token)
	if err != nil {
		if err == ErrUserNotFound {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	for _, u := range users {
		if u.Username == identifier && u.ID > 0 {
			r.cache.Put(ctx, identifier, u.ID)
			return u.ID, nil
		}
	}
	return 0, ErrUserNotFound
}
