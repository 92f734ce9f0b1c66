// Package token provides the access/refresh token store. Expiry is enforced
// at read time: lookups archive expired tokens as a side effect instead of
// relying on a background sweep, so reads may write.
package token

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors for token operations.
var (
	// ErrNotFound indicates the token does not exist.
	ErrNotFound = errors.New("token not found")

	// ErrInvalidInput indicates missing or malformed input.
	ErrInvalidInput = errors.New("invalid input")
)

// Kind distinguishes access tokens from refresh tokens.
type Kind string

// Token kinds.
const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Spec carries the caller-supplied parts of a token. It doubles as the
// sparse criteria for Find: equality is checked on set fields only.
type Spec struct {
	// ConsumerID is the owning consumer. Always required.
	ConsumerID string

	// AuthType records the authentication flow that produced the token.
	AuthType string

	// ClientID binds the token to the requesting client where the flow
	// has one distinct from the consumer, e.g. the implicit grant.
	ClientID string

	// Scopes are the granted scopes. Order is normalized by sorting before
	// storage and comparison. A nil slice means "any" in Find criteria.
	Scopes []string
}

// Token is a stored bearer token.
type Token struct {
	ID         string    `json:"id"`
	Secret     string    `json:"secret"`
	ConsumerID string    `json:"consumer_id"`
	AuthType   string    `json:"auth_type,omitempty"`
	ClientID   string    `json:"client_id,omitempty"`
	Kind       Kind      `json:"kind"`
	Scopes     []string  `json:"scopes,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	Archived   bool      `json:"archived,omitempty"`
}

// External returns the wire representation "id|secret".
func (t *Token) External() string {
	return t.ID + "|" + t.Secret
}

// SplitExternal splits the wire representation into id and secret.
func SplitExternal(external string) (id, secret string, ok bool) {
	id, secret, ok = strings.Cut(external, "|")
	if !ok || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}
