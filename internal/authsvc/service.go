// Package authsvc is the authentication and authorization facade composed
// from the consumer, credential and token layers. Missing, inactive and
// mismatched identities resolve to (nil, nil) or false; errors are reserved
// for malformed input and store failures.
package authsvc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/avauthgw/internal/consumer"
	"github.com/vyrodovalexey/avauthgw/internal/credential"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/token"
)

// ErrInvalidInput indicates missing or malformed input.
var ErrInvalidInput = errors.New("invalid input")

// Service answers "is this credential/token valid, and authorized for these
// scopes" over the consumer resolver, credential store and token store.
type Service struct {
	resolver consumer.Resolver
	creds    *credential.Store
	tokens   *token.Store
	logger   observability.Logger
}

// Option is a functional option for the Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a new auth Service.
func New(resolver consumer.Resolver, creds *credential.Store, tokens *token.Store, opts ...Option) *Service {
	s := &Service{
		resolver: resolver,
		creds:    creds,
		tokens:   tokens,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AuthenticateCredential verifies a secret against the active credential of
// the given type and returns the owning consumer, or (nil, nil) on any
// mismatch. For password-style types the identifier names the consumer
// (application id, user id or username, tried in that order); for key-style
// types it is the key id.
func (s *Service) AuthenticateCredential(ctx context.Context, identifier, secret string, t credential.Type) (*consumer.Consumer, error) {
	if identifier == "" || secret == "" {
		return nil, fmt.Errorf("%w: identifier and secret are required", ErrInvalidInput)
	}
	desc, ok := credential.DescriptorFor(t)
	if !ok {
		return nil, fmt.Errorf("%w: unknown credential type %q", ErrInvalidInput, t)
	}

	cons, err := s.authenticateCredential(ctx, identifier, secret, desc)
	observeResult("authenticate_credential", cons != nil, err)
	if err != nil {
		return nil, err
	}
	if cons == nil {
		s.logger.Debug("credential authentication denied",
			observability.String("type", string(t)),
			observability.String("identifier", identifier))
	}
	return cons, nil
}

func (s *Service) authenticateCredential(ctx context.Context, identifier, secret string, desc *credential.Descriptor) (*consumer.Consumer, error) {
	if desc.KeyStyle {
		return s.authenticateKeyCredential(ctx, identifier, secret, desc.Type)
	}

	cons, err := s.ValidateConsumer(ctx, identifier, true)
	if err != nil || cons == nil {
		return nil, err
	}

	cred, err := s.creds.Get(ctx, cons.ID, desc.Type, true)
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.Active {
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.Secret), []byte(secret)) != nil {
		return nil, nil
	}
	return cons, nil
}

func (s *Service) authenticateKeyCredential(ctx context.Context, keyID, secret string, t credential.Type) (*consumer.Consumer, error) {
	cred, err := s.creds.Get(ctx, keyID, t, true)
	if err != nil {
		return nil, err
	}
	if cred == nil || !cred.Active {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(cred.Secret), []byte(secret)) != 1 {
		return nil, nil
	}
	return s.ValidateConsumer(ctx, cred.ConsumerID, false)
}

// AuthenticateToken verifies an external "id|secret" token and returns the
// owning consumer, or (nil, nil) when the token is missing, expired or the
// secret does not match.
func (s *Service) AuthenticateToken(ctx context.Context, external string) (*consumer.Consumer, error) {
	id, secret, ok := token.SplitExternal(external)
	if !ok {
		return nil, fmt.Errorf("%w: malformed token", ErrInvalidInput)
	}

	cons, err := s.authenticateToken(ctx, id, secret)
	observeResult("authenticate_token", cons != nil, err)
	return cons, err
}

func (s *Service) authenticateToken(ctx context.Context, id, secret string) (*consumer.Consumer, error) {
	tok, err := s.tokens.Get(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	if subtle.ConstantTimeCompare([]byte(tok.Secret), []byte(secret)) != 1 {
		return nil, nil
	}
	return s.ValidateConsumer(ctx, tok.ConsumerID, false)
}

// AuthorizeCredential reports whether the credential's stored scopes cover
// every requested scope. An empty request authorizes trivially; a credential
// with no scopes authorizes nothing.
func (s *Service) AuthorizeCredential(ctx context.Context, identifier string, t credential.Type, requested []string) (bool, error) {
	if len(requested) == 0 {
		observeResult("authorize_credential", true, nil)
		return true, nil
	}
	if identifier == "" {
		return false, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}

	allowed, err := s.authorizeCredential(ctx, identifier, t, requested)
	observeResult("authorize_credential", allowed, err)
	return allowed, err
}

func (s *Service) authorizeCredential(ctx context.Context, identifier string, t credential.Type, requested []string) (bool, error) {
	desc, ok := credential.DescriptorFor(t)
	if !ok {
		return false, fmt.Errorf("%w: unknown credential type %q", ErrInvalidInput, t)
	}

	id := identifier
	if !desc.KeyStyle {
		cons, err := s.ValidateConsumer(ctx, identifier, true)
		if err != nil {
			return false, err
		}
		if cons == nil {
			return false, nil
		}
		id = cons.ID
	}

	cred, err := s.creds.Get(ctx, id, t, false)
	if err != nil {
		return false, err
	}
	if cred == nil || !cred.Active {
		return false, nil
	}
	return scopesCover(cred.Scopes, requested), nil
}

// AuthorizeToken reports whether the token's stored scopes cover every
// requested scope, optionally requiring the token's auth type to match.
func (s *Service) AuthorizeToken(ctx context.Context, external, authType string, requested []string) (bool, error) {
	if len(requested) == 0 {
		observeResult("authorize_token", true, nil)
		return true, nil
	}
	id, _, ok := token.SplitExternal(external)
	if !ok {
		return false, fmt.Errorf("%w: malformed token", ErrInvalidInput)
	}

	allowed, err := s.authorizeToken(ctx, id, authType, requested)
	observeResult("authorize_token", allowed, err)
	return allowed, err
}

func (s *Service) authorizeToken(ctx context.Context, id, authType string, requested []string) (bool, error) {
	tok, err := s.tokens.Get(ctx, id, false)
	if err != nil {
		return false, err
	}
	if tok == nil {
		return false, nil
	}
	if authType != "" && tok.AuthType != authType {
		return false, nil
	}
	return scopesCover(tok.Scopes, requested), nil
}

// ValidateConsumer resolves an identifier to an active consumer, trying
// application id, then user id, then (when checkUsername is set) username.
// Missing or inactive consumers resolve to (nil, nil).
func (s *Service) ValidateConsumer(ctx context.Context, identifier string, checkUsername bool) (*consumer.Consumer, error) {
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidInput)
	}

	app, err := s.resolver.GetApplicationByID(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if app != nil {
		if !app.Active {
			return nil, nil
		}
		return consumer.FromApplication(app), nil
	}

	user, err := s.resolver.GetUserByID(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if user == nil && checkUsername {
		user, err = s.resolver.FindUserByUsername(ctx, identifier)
		if err != nil {
			return nil, err
		}
	}
	if user == nil || !user.Active {
		return nil, nil
	}
	return consumer.FromUser(user), nil
}

// scopesCover reports whether stored contains every requested scope. A
// credential or token without scopes covers nothing.
func scopesCover(stored, requested []string) bool {
	if len(stored) == 0 {
		return false
	}
	have := make(map[string]struct{}, len(stored))
	for _, sc := range stored {
		have[sc] = struct{}{}
	}
	for _, sc := range requested {
		if _, ok := have[sc]; !ok {
			return false
		}
	}
	return true
}
