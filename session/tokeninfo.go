package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo is a diagnostic peek at the stored bearer token. The backend
// issues JWTs, so subject and expiry can be read without verification. This
// is display-only: the resolver never consults expiry and never rejects a
// token locally — the server remains the sole authority (an expired token
// simply comes back as a 401).
type TokenInfo struct {
	Subject   string    `json:"subject,omitempty"`
	IssuedAt  time.Time `json:"issued_at,omitzero"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// PeekToken extracts unverified claims from a bearer token. Returns nil if
// the token is not parseable as a JWT (it is treated as opaque everywhere
// else, so this is not an error).
func PeekToken(token string) *TokenInfo {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}

	info := &TokenInfo{}
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if iat, err := parsed.Claims.GetIssuedAt(); err == nil && iat != nil {
		info.IssuedAt = iat.Time
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info
}
