package capi

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crowdsecurity/go-capi-sdk/pkg/storage"
)

// HasValidToken reports whether the machine's bearer token is usable. The
// token payload is decoded without signature verification; CAPI is the sole
// authority on authenticity, the client only needs the expiry claim. The
// token counts as expired latencyOffset before its literal expiry so a
// request issued right at the boundary does not arrive with a dead token.
//
// Empty, malformed, or expiry-less tokens are simply invalid, not errors:
// an invalid token means "log in again".
func HasValidToken(m *storage.Machine, latencyOffset time.Duration) bool {
	if m.Token == "" {
		return false
	}
	token, _, err := jwt.NewParser().ParseUnverified(m.Token, jwt.MapClaims{})
	if err != nil {
		return false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().Add(latencyOffset).Before(exp.Time)
}
