package sandbox

import (
	"crypto/subtle"

	"github.com/google/uuid"
)

// Authority is the host's proof of privilege for lifting quarantine. The
// manager compares the pointer it was configured with; the token lets
// remote tools (the control API) present the same authority.
type Authority struct {
	token string
}

// NewAuthority returns an authority with the given token, or a random one
// when token is empty.
func NewAuthority(token string) *Authority {
	if token == "" {
		token = uuid.NewString()
	}
	return &Authority{token: token}
}

// Token returns the shared secret.
func (a *Authority) Token() string {
	return a.token
}

// Verify reports whether token matches.
func (a *Authority) Verify(token string) bool {
	if a == nil || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(token)) == 1
}
