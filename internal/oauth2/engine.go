// Package oauth2 implements the authorization-server state machine: four
// grant types over the auth facade, one-time authorization codes, and the
// HTTP surface of the authorize/decision/token endpoints.
package oauth2

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/vyrodovalexey/avauthgw/internal/authsvc"
	"github.com/vyrodovalexey/avauthgw/internal/consumer"
	"github.com/vyrodovalexey/avauthgw/internal/credential"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/token"
)

// AuthTypeOAuth2 tags tokens produced by this engine.
const AuthTypeOAuth2 = "oauth2"

// TokenPair is the token-endpoint response body per RFC 6749 §5.1.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Engine runs the four OAuth2 grants. Protocol failures are returned as
// *Error values carrying RFC 6749 codes; other errors are store failures.
type Engine struct {
	auth   *authsvc.Service
	tokens *token.Store
	codes  *CodeStore
	logger observability.Logger
}

// EngineOption is a functional option for the Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger for the engine.
func WithEngineLogger(logger observability.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a new grant engine.
func NewEngine(auth *authsvc.Service, tokens *token.Store, codes *CodeStore, opts ...EngineOption) *Engine {
	e := &Engine{
		auth:   auth,
		tokens: tokens,
		codes:  codes,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidateClient authenticates a client against its oauth2 credential. Any
// mismatch yields an invalid_client protocol error.
func (e *Engine) ValidateClient(ctx context.Context, clientID, clientSecret string) (*consumer.Consumer, error) {
	if clientID == "" || clientSecret == "" {
		return nil, errInvalidClient("client authentication required")
	}

	client, err := e.auth.AuthenticateCredential(ctx, clientID, clientSecret, credential.TypeOAuth2)
	if err != nil {
		if errors.Is(err, authsvc.ErrInvalidInput) {
			return nil, errInvalidClient("client authentication required")
		}
		return nil, err
	}
	if client == nil {
		return nil, errInvalidClient("client authentication failed")
	}
	return client, nil
}

// IssueCode creates a one-time authorization code after user approval.
func (e *Engine) IssueCode(ctx context.Context, clientID, redirectURI, userID string, scopes []string) (*AuthorizationCode, error) {
	return e.codes.Save(ctx, clientID, redirectURI, userID, scopes)
}

// ExchangeCode redeems a one-time authorization code for a token pair bound
// to the code's user and scopes.
func (e *Engine) ExchangeCode(ctx context.Context, code, clientID, redirectURI string) (*TokenPair, error) {
	if code == "" {
		return nil, errInvalidRequest("code is required")
	}

	found, err := e.codes.Find(ctx, code, clientID, redirectURI)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errInvalidGrant("authorization code is invalid or already used")
	}

	user, err := e.auth.ValidateConsumer(ctx, found.UserID, false)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errInvalidGrant("authorization code user is no longer valid")
	}

	return e.issuePair(ctx, token.Spec{
		ConsumerID: found.UserID,
		AuthType:   AuthTypeOAuth2,
		Scopes:     found.Scopes,
	}, true, false)
}

// ImplicitToken issues (or reuses) an access token directly for the
// implicit grant. The token is bound to the requesting client so the same
// user approving two clients gets two distinct tokens. No refresh token is
// issued.
func (e *Engine) ImplicitToken(ctx context.Context, userID, clientID string, scopes []string) (*token.Token, error) {
	if clientID == "" {
		return nil, errInvalidRequest("client_id is required")
	}
	return e.tokens.FindOrSave(ctx, token.Spec{
		ConsumerID: userID,
		AuthType:   AuthTypeOAuth2,
		ClientID:   clientID,
		Scopes:     scopes,
	}, token.KindAccess)
}

// PasswordGrant authenticates the resource owner's basic-auth credential,
// authorizes the requested scopes against the client's own scopes, then
// issues a token pair keyed by the user.
func (e *Engine) PasswordGrant(ctx context.Context, client *consumer.Consumer, username, password string, scopes []string) (*TokenPair, error) {
	if username == "" || password == "" {
		return nil, errInvalidRequest("username and password are required")
	}

	user, err := e.auth.AuthenticateCredential(ctx, username, password, credential.TypeBasicAuth)
	if err != nil {
		if errors.Is(err, authsvc.ErrInvalidInput) {
			return nil, errInvalidRequest(err.Error())
		}
		return nil, err
	}
	if user == nil {
		return nil, errInvalidGrant("resource owner authentication failed")
	}

	if err := e.authorizeClientScopes(ctx, client, scopes); err != nil {
		return nil, err
	}

	return e.issuePair(ctx, token.Spec{
		ConsumerID: user.ID,
		AuthType:   AuthTypeOAuth2,
		Scopes:     scopes,
	}, true, true)
}

// ClientCredentialsGrant authorizes the requested scopes against the
// client's own scopes and issues an access token keyed by the client. No
// refresh token is issued.
func (e *Engine) ClientCredentialsGrant(ctx context.Context, client *consumer.Consumer, scopes []string) (*TokenPair, error) {
	if err := e.authorizeClientScopes(ctx, client, scopes); err != nil {
		return nil, err
	}

	return e.issuePair(ctx, token.Spec{
		ConsumerID: client.ID,
		AuthType:   AuthTypeOAuth2,
		Scopes:     scopes,
	}, false, true)
}

// RefreshGrant rotates a refresh token: the presented token is revoked and
// a fresh pair with the same consumer and scopes is issued.
func (e *Engine) RefreshGrant(ctx context.Context, refreshToken string) (*TokenPair, error) {
	id, secret, ok := token.SplitExternal(refreshToken)
	if !ok {
		return nil, errInvalidRequest("malformed refresh token")
	}

	tok, err := e.tokens.Get(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if tok == nil || tok.Kind != token.KindRefresh {
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}
	if subtle.ConstantTimeCompare([]byte(tok.Secret), []byte(secret)) != 1 {
		return nil, errInvalidGrant("refresh token is invalid or expired")
	}

	cons, err := e.auth.ValidateConsumer(ctx, tok.ConsumerID, false)
	if err != nil {
		return nil, err
	}
	if cons == nil {
		return nil, errInvalidGrant("refresh token consumer is no longer valid")
	}

	if err := e.tokens.Revoke(ctx, tok.ID); err != nil {
		return nil, err
	}

	return e.issuePair(ctx, token.Spec{
		ConsumerID: tok.ConsumerID,
		AuthType:   tok.AuthType,
		Scopes:     tok.Scopes,
	}, true, false)
}

// authorizeClientScopes checks the requested scopes against the client's
// oauth2 credential scopes. An empty request passes.
func (e *Engine) authorizeClientScopes(ctx context.Context, client *consumer.Consumer, scopes []string) error {
	if client == nil {
		return errInvalidClient("client authentication required")
	}
	allowed, err := e.auth.AuthorizeCredential(ctx, client.ID, credential.TypeOAuth2, scopes)
	if err != nil {
		return err
	}
	if !allowed {
		return errInvalidScope("requested scope exceeds the client's grant")
	}
	return nil
}

// issuePair issues an access token (reusing a valid equivalent one when
// reuseAccess is set) plus, optionally, a fresh refresh token.
func (e *Engine) issuePair(ctx context.Context, spec token.Spec, withRefresh, reuseAccess bool) (*TokenPair, error) {
	var access *token.Token
	var err error
	if reuseAccess {
		access, err = e.tokens.FindOrSave(ctx, spec, token.KindAccess)
	} else {
		access, err = e.tokens.Save(ctx, spec, token.KindAccess)
	}
	if err != nil {
		return nil, err
	}

	pair := &TokenPair{
		AccessToken: access.External(),
		TokenType:   "Bearer",
		ExpiresIn:   int64(e.tokens.TTL(token.KindAccess).Seconds()),
		Scope:       joinScopes(access.Scopes),
	}

	if withRefresh {
		refresh, err := e.tokens.Save(ctx, spec, token.KindRefresh)
		if err != nil {
			return nil, err
		}
		pair.RefreshToken = refresh.External()
	}

	e.logger.Debug("token pair issued",
		observability.String("consumer_id", spec.ConsumerID),
		observability.Bool("refresh", withRefresh))

	return pair, nil
}
