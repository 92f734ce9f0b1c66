package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

const codeKeyPrefix = "authcode:"

func codeKey(id string) string { return codeKeyPrefix + id }

// AuthorizationCode binds a one-time code to the client, redirect URI, user
// and approved scopes of an authorization-code grant.
type AuthorizationCode struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	UserID      string    `json:"user_id"`
	Scopes      []string  `json:"scopes,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CodeStore persists one-time authorization codes. Find consumes: a code
// can be exchanged at most once, enforced with an atomic conditional delete
// so concurrent exchanges cannot both win.
type CodeStore struct {
	kv     store.KV
	ttl    time.Duration
	logger observability.Logger
	now    func() time.Time
}

// CodeStoreOption is a functional option for the CodeStore.
type CodeStoreOption func(*CodeStore)

// WithCodeLogger sets the logger for the code store.
func WithCodeLogger(logger observability.Logger) CodeStoreOption {
	return func(s *CodeStore) {
		s.logger = logger
	}
}

// WithCodeClock overrides the time source. Used in expiry tests.
func WithCodeClock(now func() time.Time) CodeStoreOption {
	return func(s *CodeStore) {
		s.now = now
	}
}

// NewCodeStore creates a new authorization-code store.
func NewCodeStore(kv store.KV, ttl time.Duration, opts ...CodeStoreOption) *CodeStore {
	s := &CodeStore{
		kv:     kv,
		ttl:    ttl,
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save issues a new code bound to the given client, redirect URI, user and
// scopes.
func (s *CodeStore) Save(ctx context.Context, clientID, redirectURI, userID string, scopes []string) (*AuthorizationCode, error) {
	if clientID == "" || userID == "" {
		return nil, fmt.Errorf("client id and user id are required")
	}

	code := &AuthorizationCode{
		Code:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		ClientID:    clientID,
		RedirectURI: redirectURI,
		UserID:      userID,
		Scopes:      scopes,
		ExpiresAt:   s.now().UTC().Add(s.ttl),
	}

	scopesJSON, err := json.Marshal(code.Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize code scopes: %w", err)
	}

	err = s.kv.HSetAll(ctx, codeKey(code.Code), map[string]string{
		"clientId":    code.ClientID,
		"redirectUri": code.RedirectURI,
		"userId":      code.UserID,
		"scopes":      string(scopesJSON),
		"expiresAt":   strconv.FormatInt(code.ExpiresAt.UnixNano(), 10),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("authorization code issued",
		observability.String("client_id", clientID),
		observability.String("user_id", userID))

	return code, nil
}

// Find consumes a code matching (code, client id, redirect uri). It returns
// (nil, nil) when the code is absent, expired, mismatched, or was already
// consumed by a concurrent exchange. On a match the record is deleted with
// an atomic conditional delete; only the caller that performs the delete
// receives the code.
func (s *CodeStore) Find(ctx context.Context, code, clientID, redirectURI string) (*AuthorizationCode, error) {
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}

	fields, err := s.kv.HGetAll(ctx, codeKey(code))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	expiresAt, err := strconv.ParseInt(fields["expiresAt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse code expiresAt: %w", err)
	}
	if s.now().After(time.Unix(0, expiresAt)) {
		// Expired: discard lazily.
		if err := s.kv.Del(ctx, codeKey(code)); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if fields["clientId"] != clientID || fields["redirectUri"] != redirectURI {
		return nil, nil
	}

	// The conditional delete decides the winner between concurrent
	// exchanges of the same code.
	won, err := s.kv.DelIfExists(ctx, codeKey(code))
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, nil
	}

	found := &AuthorizationCode{
		Code:        code,
		ClientID:    fields["clientId"],
		RedirectURI: fields["redirectUri"],
		UserID:      fields["userId"],
		ExpiresAt:   time.Unix(0, expiresAt).UTC(),
	}
	if raw := fields["scopes"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &found.Scopes); err != nil {
			return nil, fmt.Errorf("failed to parse code scopes: %w", err)
		}
	}
	return found, nil
}
