package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// Key layout for credential records.
const (
	credKeyPrefix         = "credential:"
	consumerKeysKeyPrefix = "consumer-keys:"
)

func credKey(t Type, id string) string { return credKeyPrefix + string(t) + ":" + id }

// consumerKeysKey is the reverse index consumer -> key ids for key-style types.
func consumerKeysKey(t Type, consumerID string) string {
	return consumerKeysKeyPrefix + string(t) + ":" + consumerID
}

// scopeRef identifies a credential inside a scope reverse index.
func scopeRef(t Type, id string) string { return string(t) + ":" + id }

// Credential is a stored credential record.
type Credential struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	ConsumerID string            `json:"consumer_id"`
	Secret     string            `json:"secret,omitempty"`
	Active     bool              `json:"active"`
	Scopes     []string          `json:"scopes,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`

	// PlaintextSecret carries an auto-generated secret exactly once, on the
	// credential returned by Insert. It is never persisted or retrievable
	// again.
	PlaintextSecret string `json:"plaintext_secret,omitempty"`
}

// Details are the caller-supplied parts of a credential insert.
type Details struct {
	// Secret is the plaintext secret. May be empty for types that
	// auto-generate one.
	Secret string

	// Scopes are the initial scope names. All must be registered.
	Scopes []string

	// Properties are type-defined properties.
	Properties map[string]string
}

// Store manages credential records of all types.
type Store struct {
	kv     store.KV
	scopes *ScopeRegistry
	logger observability.Logger
}

// StoreOption is a functional option for the Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger observability.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a new credential Store.
func NewStore(kv store.KV, scopes *ScopeRegistry, opts ...StoreOption) *Store {
	s := &Store{
		kv:     kv,
		scopes: scopes,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scopes returns the scope registry backing this store.
func (s *Store) Scopes() *ScopeRegistry {
	return s.scopes
}

// Insert creates a credential for a consumer.
//
// For password-style types the credential id is the consumer id and at most
// one active credential may exist per (type, id): inserting over an active
// credential fails with ErrAlreadyExists, over an inactive one with
// ErrInactiveExists. For key-style types a fresh key id and secret are
// generated and indexed under the consumer.
//
// The returned credential carries the generated plaintext secret exactly
// once; it is never retrievable afterwards.
func (s *Store) Insert(ctx context.Context, consumerID string, t Type, details Details) (*Credential, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("%w: consumer id is required", ErrInvalidInput)
	}

	desc, ok := DescriptorFor(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	if len(details.Scopes) > 0 {
		registered, err := s.scopes.ExistsAll(ctx, details.Scopes)
		if err != nil {
			return nil, err
		}
		if !registered {
			return nil, ErrScopeNotFound
		}
	}

	props, err := resolveProperties(desc, details.Properties)
	if err != nil {
		return nil, err
	}

	if desc.KeyStyle {
		return s.insertKeyStyle(ctx, consumerID, desc, details, props)
	}
	return s.insertPasswordStyle(ctx, consumerID, desc, details, props)
}

func (s *Store) insertPasswordStyle(
	ctx context.Context, consumerID string, desc *Descriptor, details Details, props map[string]string,
) (*Credential, error) {
	existing, err := s.kv.HGetAll(ctx, credKey(desc.Type, consumerID))
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		if existing["active"] == "true" {
			return nil, ErrAlreadyExists
		}
		return nil, ErrInactiveExists
	}

	plaintext := details.Secret
	autoGenerated := false
	if plaintext == "" {
		if !desc.AutoGenerateSecret {
			return nil, fmt.Errorf("%w: property %q", ErrSecretRequired, desc.SecretProperty)
		}
		plaintext, err = generateSecret()
		if err != nil {
			return nil, err
		}
		autoGenerated = true
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret: %w", err)
	}

	cred := &Credential{
		ID:         consumerID,
		Type:       desc.Type,
		ConsumerID: consumerID,
		Secret:     string(hashed),
		Active:     true,
		Scopes:     normalizeScopes(details.Scopes),
		Properties: props,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	if err := s.persist(ctx, cred, nil); err != nil {
		return nil, err
	}

	if autoGenerated {
		cred.PlaintextSecret = plaintext
	}

	s.logger.Info("credential created",
		observability.String("type", string(desc.Type)),
		observability.String("consumer_id", consumerID))

	return cred, nil
}

func (s *Store) insertKeyStyle(
	ctx context.Context, consumerID string, desc *Descriptor, details Details, props map[string]string,
) (*Credential, error) {
	keyID := strings.ReplaceAll(uuid.NewString(), "-", "")
	keySecret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	cred := &Credential{
		ID:         keyID,
		Type:       desc.Type,
		ConsumerID: consumerID,
		Secret:     keySecret,
		Active:     true,
		Scopes:     normalizeScopes(details.Scopes),
		Properties: props,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	extra := func(p store.Pipe) {
		p.SAdd(consumerKeysKey(desc.Type, consumerID), keyID)
	}
	if err := s.persist(ctx, cred, extra); err != nil {
		return nil, err
	}

	cred.PlaintextSecret = keySecret

	s.logger.Info("credential created",
		observability.String("type", string(desc.Type)),
		observability.String("consumer_id", consumerID),
		observability.String("key_id", keyID))

	return cred, nil
}

// persist writes the record, its scope associations, and any extra index
// updates as one atomic batch.
func (s *Store) persist(ctx context.Context, cred *Credential, extra func(store.Pipe)) error {
	fields, err := marshalCredential(cred)
	if err != nil {
		return err
	}

	return s.kv.Batch(ctx, func(p store.Pipe) {
		p.HSetAll(credKey(cred.Type, cred.ID), fields)
		for _, scope := range cred.Scopes {
			p.SAdd(scopeCredsKey(scope), scopeRef(cred.Type, cred.ID))
		}
		if extra != nil {
			extra(p)
		}
	})
}

// Get returns a credential by (type, id), or (nil, nil) when absent. The
// secret is stripped unless includeSecret is set.
func (s *Store) Get(ctx context.Context, id string, t Type, includeSecret bool) (*Credential, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: credential id is required", ErrInvalidInput)
	}
	if _, ok := DescriptorFor(t); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	fields, err := s.kv.HGetAll(ctx, credKey(t, id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	cred, err := unmarshalCredential(id, t, fields)
	if err != nil {
		return nil, err
	}
	if !includeSecret {
		cred.Secret = ""
	}
	return cred, nil
}

// ByConsumer returns every credential owned by a consumer, across all types.
// Key-style credentials are resolved through the consumer's key index.
func (s *Store) ByConsumer(ctx context.Context, consumerID string) ([]*Credential, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("%w: consumer id is required", ErrInvalidInput)
	}

	var out []*Credential
	for t, desc := range descriptors {
		if desc.KeyStyle {
			keyIDs, err := s.kv.SMembers(ctx, consumerKeysKey(t, consumerID))
			if err != nil {
				return nil, err
			}
			for _, keyID := range keyIDs {
				cred, err := s.Get(ctx, keyID, t, false)
				if err != nil {
					return nil, err
				}
				if cred != nil {
					out = append(out, cred)
				}
			}
			continue
		}

		cred, err := s.Get(ctx, consumerID, t, false)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			out = append(out, cred)
		}
	}
	return out, nil
}

// Activate marks a credential active.
func (s *Store) Activate(ctx context.Context, id string, t Type) error {
	return s.setActive(ctx, id, t, true)
}

// Deactivate marks a credential inactive.
func (s *Store) Deactivate(ctx context.Context, id string, t Type) error {
	return s.setActive(ctx, id, t, false)
}

func (s *Store) setActive(ctx context.Context, id string, t Type, active bool) error {
	if id == "" {
		return fmt.Errorf("%w: credential id is required", ErrInvalidInput)
	}
	if _, ok := DescriptorFor(t); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	exists, err := s.kv.Exists(ctx, credKey(t, id))
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	return s.kv.Batch(ctx, func(p store.Pipe) {
		p.HSetAll(credKey(t, id), map[string]string{
			"active":    fmt.Sprintf("%t", active),
			"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}

// Update changes type-defined properties. Immutable and undefined properties
// are rejected.
func (s *Store) Update(ctx context.Context, id string, t Type, props map[string]string) (*Credential, error) {
	desc, ok := DescriptorFor(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}

	cred, err := s.Get(ctx, id, t, false)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrNotFound
	}

	for name := range props {
		spec, defined := desc.Property(name)
		if !defined {
			return nil, fmt.Errorf("%w: %s", ErrPropertyUnknown, name)
		}
		if !spec.Mutable {
			return nil, fmt.Errorf("%w: %s", ErrPropertyImmutable, name)
		}
	}

	if cred.Properties == nil {
		cred.Properties = make(map[string]string, len(props))
	}
	for name, value := range props {
		cred.Properties[name] = value
	}
	cred.UpdatedAt = time.Now().UTC()

	fields, err := marshalCredential(cred)
	if err != nil {
		return nil, err
	}
	if err := s.kv.HSetAll(ctx, credKey(t, id), fields); err != nil {
		return nil, err
	}
	return cred, nil
}

// AddScopes unions new scopes into a credential's scope set.
func (s *Store) AddScopes(ctx context.Context, id string, t Type, scopes []string) (*Credential, error) {
	return s.updateScopes(ctx, id, t, scopes, func(current, given []string) []string {
		seen := make(map[string]struct{}, len(current))
		merged := append([]string{}, current...)
		for _, sc := range current {
			seen[sc] = struct{}{}
		}
		for _, sc := range given {
			if _, ok := seen[sc]; !ok {
				merged = append(merged, sc)
				seen[sc] = struct{}{}
			}
		}
		return merged
	})
}

// RemoveScopes subtracts scopes from a credential's scope set.
func (s *Store) RemoveScopes(ctx context.Context, id string, t Type, scopes []string) (*Credential, error) {
	return s.updateScopes(ctx, id, t, scopes, func(current, given []string) []string {
		drop := make(map[string]struct{}, len(given))
		for _, sc := range given {
			drop[sc] = struct{}{}
		}
		var kept []string
		for _, sc := range current {
			if _, ok := drop[sc]; !ok {
				kept = append(kept, sc)
			}
		}
		return kept
	})
}

// SetScopes replaces a credential's scope set.
func (s *Store) SetScopes(ctx context.Context, id string, t Type, scopes []string) (*Credential, error) {
	return s.updateScopes(ctx, id, t, scopes, func(_, given []string) []string {
		return given
	})
}

func (s *Store) updateScopes(
	ctx context.Context, id string, t Type, scopes []string, combine func(current, given []string) []string,
) (*Credential, error) {
	if len(scopes) > 0 {
		registered, err := s.scopes.ExistsAll(ctx, scopes)
		if err != nil {
			return nil, err
		}
		if !registered {
			return nil, ErrScopeNotFound
		}
	}

	cred, err := s.Get(ctx, id, t, true)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrNotFound
	}

	before := cred.Scopes
	cred.Scopes = normalizeScopes(combine(cred.Scopes, scopes))
	cred.UpdatedAt = time.Now().UTC()

	fields, err := marshalCredential(cred)
	if err != nil {
		return nil, err
	}

	err = s.kv.Batch(ctx, func(p store.Pipe) {
		p.HSetAll(credKey(t, id), fields)
		for _, sc := range removedFrom(before, cred.Scopes) {
			p.SRem(scopeCredsKey(sc), scopeRef(t, id))
		}
		for _, sc := range cred.Scopes {
			p.SAdd(scopeCredsKey(sc), scopeRef(t, id))
		}
	})
	if err != nil {
		return nil, err
	}

	cred.Secret = ""
	return cred, nil
}

// RemoveAllCredentials deletes every credential owned by a consumer across
// all types, including key-style records found through the reverse index.
// Scope reverse indexes are cleaned up in the same batches.
func (s *Store) RemoveAllCredentials(ctx context.Context, consumerID string) error {
	if consumerID == "" {
		return fmt.Errorf("%w: consumer id is required", ErrInvalidInput)
	}

	for t, desc := range descriptors {
		if desc.KeyStyle {
			keyIDs, err := s.kv.SMembers(ctx, consumerKeysKey(t, consumerID))
			if err != nil {
				return err
			}
			for _, keyID := range keyIDs {
				if err := s.remove(ctx, keyID, t); err != nil {
					return err
				}
			}
			if err := s.kv.Del(ctx, consumerKeysKey(t, consumerID)); err != nil {
				return err
			}
			continue
		}

		if err := s.remove(ctx, consumerID, t); err != nil {
			return err
		}
	}

	s.logger.Info("all credentials removed",
		observability.String("consumer_id", consumerID))
	return nil
}

// remove deletes a single credential record and its scope index entries.
func (s *Store) remove(ctx context.Context, id string, t Type) error {
	cred, err := s.Get(ctx, id, t, false)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}

	return s.kv.Batch(ctx, func(p store.Pipe) {
		p.Del(credKey(t, id))
		for _, sc := range cred.Scopes {
			p.SRem(scopeCredsKey(sc), scopeRef(t, id))
		}
	})
}

// stripScopeFromCredential rewrites a credential's scope list without the
// given scope. ref is "<type>:<id>" from the scope reverse index.
func stripScopeFromCredential(ctx context.Context, kv store.KV, ref, scope string) error {
	typeName, id, ok := strings.Cut(ref, ":")
	if !ok {
		return fmt.Errorf("malformed scope index entry: %q", ref)
	}
	t := Type(typeName)

	key := credKey(t, id)
	raw, err := kv.HGet(ctx, key, "scopes")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	var scopes []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
			return fmt.Errorf("failed to parse credential scopes: %w", err)
		}
	}

	var kept []string
	for _, sc := range scopes {
		if sc != scope {
			kept = append(kept, sc)
		}
	}

	serialized, err := json.Marshal(normalizeScopes(kept))
	if err != nil {
		return err
	}
	return kv.HSetAll(ctx, key, map[string]string{
		"scopes":    string(serialized),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// resolveProperties validates supplied properties against the descriptor and
// applies defaults.
func resolveProperties(desc *Descriptor, supplied map[string]string) (map[string]string, error) {
	for name := range supplied {
		if _, defined := desc.Property(name); !defined {
			return nil, fmt.Errorf("%w: %s", ErrPropertyUnknown, name)
		}
	}

	var out map[string]string
	for _, spec := range desc.Properties {
		value, given := supplied[spec.Name]
		switch {
		case given:
		case spec.Default != "":
			value = spec.Default
		case spec.Required:
			return nil, fmt.Errorf("%w: %s", ErrPropertyRequired, spec.Name)
		default:
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[spec.Name] = value
	}
	return out, nil
}

// normalizeScopes sorts and de-duplicates a scope list.
func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
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

// removedFrom returns the elements of before not present in after.
func removedFrom(before, after []string) []string {
	kept := make(map[string]struct{}, len(after))
	for _, sc := range after {
		kept[sc] = struct{}{}
	}
	var removed []string
	for _, sc := range before {
		if _, ok := kept[sc]; !ok {
			removed = append(removed, sc)
		}
	}
	return removed
}

// generateSecret returns a 32-hex-character random secret.
func generateSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// marshalCredential serializes a credential to hash fields.
func marshalCredential(c *Credential) (map[string]string, error) {
	scopes, err := json.Marshal(c.Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize scopes: %w", err)
	}
	props, err := json.Marshal(c.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize properties: %w", err)
	}
	return map[string]string{
		"secret":     c.Secret,
		"active":     fmt.Sprintf("%t", c.Active),
		"consumerId": c.ConsumerID,
		"scopes":     string(scopes),
		"properties": string(props),
		"createdAt":  c.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  c.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

// unmarshalCredential deserializes a credential from hash fields.
func unmarshalCredential(id string, t Type, fields map[string]string) (*Credential, error) {
	c := &Credential{
		ID:         id,
		Type:       t,
		ConsumerID: fields["consumerId"],
		Secret:     fields["secret"],
		Active:     fields["active"] == "true",
	}
	if raw := fields["scopes"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &c.Scopes); err != nil {
			return nil, fmt.Errorf("failed to parse credential scopes: %w", err)
		}
	}
	if raw := fields["properties"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &c.Properties); err != nil {
			return nil, fmt.Errorf("failed to parse credential properties: %w", err)
		}
	}
	if ts := fields["createdAt"]; ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse credential createdAt: %w", err)
		}
		c.CreatedAt = parsed
	}
	if ts := fields["updatedAt"]; ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse credential updatedAt: %w", err)
		}
		c.UpdatedAt = parsed
	}
	return c, nil
}
