package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// Key layout for token records.
const (
	tokenKeyPrefix      = "token:"
	activeIdxKeyPrefix  = "consumer-tokens:"
	expiredIdxKeyPrefix = "consumer-tokens-expired:"
)

func tokenKey(id string) string              { return tokenKeyPrefix + id }
func activeIdxKey(consumerID string) string  { return activeIdxKeyPrefix + consumerID }
func expiredIdxKey(consumerID string) string { return expiredIdxKeyPrefix + consumerID }

// Store manages access and refresh tokens.
type Store struct {
	kv         store.KV
	enc        *Encryptor
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     observability.Logger
	now        func() time.Time
}

// StoreOption is a functional option for the Store.
type StoreOption func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger observability.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source. Used in expiry tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a new token Store. enc may be a disabled encryptor.
func NewStore(kv store.KV, enc *Encryptor, accessTTL, refreshTTL time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		kv:         kv,
		enc:        enc,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     observability.NopLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured lifetime for a token kind.
func (s *Store) TTL(kind Kind) time.Duration {
	if kind == KindRefresh {
		return s.refreshTTL
	}
	return s.accessTTL
}

// Save issues a new token for the spec. The secret is generated, encrypted
// at rest, and the consumer's active-token index is updated in the same
// batch.
func (s *Store) Save(ctx context.Context, spec Spec, kind Kind) (*Token, error) {
	if spec.ConsumerID == "" {
		return nil, fmt.Errorf("%w: consumer id is required", ErrInvalidInput)
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	tok := &Token{
		ID:         uuid.NewString(),
		Secret:     secret,
		ConsumerID: spec.ConsumerID,
		AuthType:   spec.AuthType,
		ClientID:   spec.ClientID,
		Kind:       kind,
		Scopes:     normalizeScopes(spec.Scopes),
		ExpiresAt:  now.Add(s.TTL(kind)),
		CreatedAt:  now,
	}

	encrypted, err := s.enc.Encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token secret: %w", err)
	}

	fields, err := marshalToken(tok, encrypted)
	if err != nil {
		return nil, err
	}

	err = s.kv.Batch(ctx, func(p store.Pipe) {
		p.HSetAll(tokenKey(tok.ID), fields)
		p.HSetAll(activeIdxKey(tok.ConsumerID), map[string]string{
			tok.ID: strconv.FormatInt(tok.ExpiresAt.UnixNano(), 10),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("token issued",
		observability.String("token_id", tok.ID),
		observability.String("consumer_id", tok.ConsumerID),
		observability.String("kind", string(kind)),
		observability.Time("expires_at", tok.ExpiresAt))

	return tok, nil
}

// Find returns the first still-valid token matching the criteria, or
// (nil, nil). Criteria are sparse: equality on set fields only. Every
// expired token encountered in the consumer's active index is archived as a
// side effect.
func (s *Store) Find(ctx context.Context, criteria Spec, kind Kind) (*Token, error) {
	if criteria.ConsumerID == "" {
		return nil, fmt.Errorf("%w: consumer id is required", ErrInvalidInput)
	}

	index, err := s.kv.HGetAll(ctx, activeIdxKey(criteria.ConsumerID))
	if err != nil {
		return nil, err
	}

	now := s.now()
	var valid []string
	for id, raw := range index {
		expiresAt, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || now.After(time.Unix(0, expiresAt)) {
			if archiveErr := s.archive(ctx, id, criteria.ConsumerID, raw); archiveErr != nil {
				return nil, archiveErr
			}
			continue
		}
		valid = append(valid, id)
	}
	sort.Strings(valid)

	wantScopes := ""
	if criteria.Scopes != nil {
		serialized, marshalErr := json.Marshal(normalizeScopes(criteria.Scopes))
		if marshalErr != nil {
			return nil, marshalErr
		}
		wantScopes = string(serialized)
	}

	for _, id := range valid {
		fields, err := s.kv.HGetAll(ctx, tokenKey(id))
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		if Kind(fields["kind"]) != kind {
			continue
		}
		if criteria.AuthType != "" && fields["authType"] != criteria.AuthType {
			continue
		}
		if criteria.ClientID != "" && fields["clientId"] != criteria.ClientID {
			continue
		}
		if wantScopes != "" && fields["scopes"] != wantScopes {
			continue
		}
		return s.unmarshal(id, fields)
	}

	return nil, nil
}

// FindOrSave returns an existing valid token matching the spec, minting a
// new one only when none exists.
func (s *Store) FindOrSave(ctx context.Context, spec Spec, kind Kind) (*Token, error) {
	if spec.Scopes == nil {
		spec.Scopes = []string{}
	}
	tok, err := s.Find(ctx, spec, kind)
	if err != nil {
		return nil, err
	}
	if tok != nil {
		return tok, nil
	}
	return s.Save(ctx, spec, kind)
}

// Get returns a token by id. An expired token is archived lazily; it is then
// withheld unless includeExpired is set. Absent tokens yield (nil, nil).
func (s *Store) Get(ctx context.Context, id string, includeExpired bool) (*Token, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}

	fields, err := s.kv.HGetAll(ctx, tokenKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	tok, err := s.unmarshal(id, fields)
	if err != nil {
		return nil, err
	}

	if !tok.Archived && s.now().After(tok.ExpiresAt) {
		raw := strconv.FormatInt(tok.ExpiresAt.UnixNano(), 10)
		if err := s.archive(ctx, id, tok.ConsumerID, raw); err != nil {
			return nil, err
		}
		tok.Archived = true
	}

	if tok.Archived && !includeExpired {
		return nil, nil
	}
	return tok, nil
}

// Revoke archives a token and moves it from the consumer's active index to
// the expired index.
func (s *Store) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: token id is required", ErrInvalidInput)
	}

	fields, err := s.kv.HGetAll(ctx, tokenKey(id))
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return ErrNotFound
	}

	if err := s.archive(ctx, id, fields["consumerId"], fields["expiresAt"]); err != nil {
		return err
	}

	s.logger.Debug("token revoked",
		observability.String("token_id", id),
		observability.String("consumer_id", fields["consumerId"]))
	return nil
}

// TokensByConsumer returns a consumer's tokens from the active index, and
// from the expired index as well when includeExpired is set.
func (s *Store) TokensByConsumer(ctx context.Context, consumerID string, includeExpired bool) ([]*Token, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("%w: consumer id is required", ErrInvalidInput)
	}

	index, err := s.kv.HGetAll(ctx, activeIdxKey(consumerID))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}

	if includeExpired {
		expired, err := s.kv.HGetAll(ctx, expiredIdxKey(consumerID))
		if err != nil {
			return nil, err
		}
		for id := range expired {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	tokens := make([]*Token, 0, len(ids))
	for _, id := range ids {
		tok, err := s.Get(ctx, id, includeExpired)
		if err != nil {
			return nil, err
		}
		if tok != nil {
			tokens = append(tokens, tok)
		}
	}
	return tokens, nil
}

// archive marks a token archived and moves its index entry from active to
// expired in one batch.
func (s *Store) archive(ctx context.Context, id, consumerID, expiresAtRaw string) error {
	return s.kv.Batch(ctx, func(p store.Pipe) {
		p.HSetAll(tokenKey(id), map[string]string{"archived": "true"})
		if consumerID != "" {
			p.HDel(activeIdxKey(consumerID), id)
			p.HSetAll(expiredIdxKey(consumerID), map[string]string{id: expiresAtRaw})
		}
	})
}

// unmarshal deserializes a token and decrypts its secret.
func (s *Store) unmarshal(id string, fields map[string]string) (*Token, error) {
	secret, err := s.enc.Decrypt(fields["secret"])
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token secret: %w", err)
	}

	tok := &Token{
		ID:         id,
		Secret:     secret,
		ConsumerID: fields["consumerId"],
		AuthType:   fields["authType"],
		ClientID:   fields["clientId"],
		Kind:       Kind(fields["kind"]),
		Archived:   fields["archived"] == "true",
	}
	if raw := fields["scopes"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &tok.Scopes); err != nil {
			return nil, fmt.Errorf("failed to parse token scopes: %w", err)
		}
	}
	if raw := fields["expiresAt"]; raw != "" {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse token expiresAt: %w", err)
		}
		tok.ExpiresAt = time.Unix(0, ns).UTC()
	}
	if raw := fields["createdAt"]; raw != "" {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse token createdAt: %w", err)
		}
		tok.CreatedAt = time.Unix(0, ns).UTC()
	}
	return tok, nil
}

// marshalToken serializes a token with its already-encrypted secret.
func marshalToken(t *Token, encryptedSecret string) (map[string]string, error) {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize token scopes: %w", err)
	}
	return map[string]string{
		"secret":     encryptedSecret,
		"consumerId": t.ConsumerID,
		"authType":   t.AuthType,
		"clientId":   t.ClientID,
		"kind":       string(t.Kind),
		"scopes":     string(scopes),
		"expiresAt":  strconv.FormatInt(t.ExpiresAt.UnixNano(), 10),
		"createdAt":  strconv.FormatInt(t.CreatedAt.UnixNano(), 10),
		"archived":   strconv.FormatBool(t.Archived),
	}, nil
}

// normalizeScopes sorts and de-duplicates a scope list. An empty input maps
// to an empty (not nil) slice so serialized criteria compare stably.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, sc := range scopes {
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

// generateSecret returns a 32-hex-character random secret.
func generateSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
