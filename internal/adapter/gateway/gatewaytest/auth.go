package gatewaytest

import (
	"crypto/subtle"

	"opencami/internal/domain"
)

// ClientInfo holds metadata about an authenticated connection.
type ClientInfo struct {
	Name     string
	Identity domain.ClientIdentity
	Role     string
	Scopes   []string
}

// Authenticator validates the credentials carried by a connect request.
type Authenticator interface {
	Authenticate(creds domain.Credentials) (*ClientInfo, error)
}

// StaticAuth accepts a fixed set of tokens and passwords using constant-time
// comparison.
type StaticAuth struct {
	tokens    [][]byte
	passwords [][]byte
}

// NewStaticAuth builds an authenticator. Empty strings are skipped.
func NewStaticAuth(tokens, passwords []string) *StaticAuth {
	a := &StaticAuth{}
	for _, t := range tokens {
		if t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	for _, p := range passwords {
		if p != "" {
			a.passwords = append(a.passwords, []byte(p))
		}
	}
	return a
}

// Authenticate returns client info if either credential matches.
func (s *StaticAuth) Authenticate(creds domain.Credentials) (*ClientInfo, error) {
	if creds.Token != "" && matchAny([]byte(creds.Token), s.tokens) {
		return &ClientInfo{Name: "token"}, nil
	}
	if creds.Password != "" && matchAny([]byte(creds.Password), s.passwords) {
		return &ClientInfo{Name: "password"}, nil
	}
	return nil, domain.ErrGatewayAuth
}

func matchAny(candidate []byte, set [][]byte) bool {
	ok := 0
	for _, v := range set {
		ok |= subtle.ConstantTimeCompare(candidate, v)
	}
	return ok == 1
}
