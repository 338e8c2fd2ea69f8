// Token verification by delegation.
//
// The gateway never validates JWTs locally; it asks the auth-api's
// introspection endpoint whether the presented token is valid and bound to
// the claimed identifier. Verification failure is a boolean outcome, not an
// error: missing or expired tokens are an expected, frequent case and must
// not unwind control flow.
//
// Results are never cached. Tokens are time-limited and revocable by their
// issuer; a positive cache here would keep accepting a token past that
// window.
package identity

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// introspector is the slice of the auth-api client the verifier needs.
type introspector interface {
	Introspect(ctx context.Context, token, identifier string) (*Introspection, error)
}

// Verifier checks bearer tokens against the auth-api.
type Verifier struct {
	client introspector
}

// NewVerifier builds a Verifier around the auth-api client.
func NewVerifier(client introspector) *Verifier {
	return &Verifier{client: client}
}

// Verify reports whether token is valid and belongs to the claimed
// identifier. Any upstream failure, timeout, or malformed payload is logged
// and reported as false.
func (v *Verifier) Verify(ctx context.Context, token, claimed string) bool {
	token = strings.TrimSpace(token)
	claimed = strings.TrimSpace(claimed)
	if token == "" || claimed == "" {
		return false
	}

	res, err := v.client.Introspect(ctx, token, claimed)
	if err != nil {
		log.Warn().Err(err).Msg("token introspection failed")
		return false
	}
	if !res.Auth {
		return false
	}

	// The auth-api checked the binding against the identifier we sent; when
	// it echoes the token's subject, cross-check it as well.
	if res.UserID > 0 && numericIDRE.MatchString(claimed) {
		id, err := strconv.ParseInt(claimed, 10, 64)
		return err == nil && id == res.UserID
	}
	if res.Email != "" && strings.Contains(claimed, "@") {
		return strings.EqualFold(res.Email, claimed)
	}
	return true
}
