package oauth2

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avauthgw/internal/authsvc"
	"github.com/vyrodovalexey/avauthgw/internal/consumer"
	"github.com/vyrodovalexey/avauthgw/internal/credential"
	"github.com/vyrodovalexey/avauthgw/internal/observability"
)

// Handler exposes the authorize, decision and token endpoints.
type Handler struct {
	engine  *Engine
	auth    *authsvc.Service
	txns    *TxnStore
	limiter *rate.Limiter
	logger  observability.Logger
}

// HandlerOption is a functional option for the Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger for the handler.
func WithHandlerLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithTokenRateLimit bounds the token endpoint to rps requests per second
// with the given burst.
func WithTokenRateLimit(rps float64, burst int) HandlerOption {
	return func(h *Handler) {
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHandler creates a new OAuth2 HTTP handler.
func NewHandler(engine *Engine, auth *authsvc.Service, txns *TxnStore, opts ...HandlerOption) *Handler {
	h := &Handler{
		engine: engine,
		auth:   auth,
		txns:   txns,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the OAuth2 routes on the router.
func (h *Handler) Register(r gin.IRouter) {
	grp := r.Group("/oauth2")
	grp.GET("/authorize", h.Authorize)
	grp.POST("/authorize/decision", h.Decision)
	grp.POST("/token", h.rateLimit, h.Token)
}

// Authorize starts an authorization-code or implicit flow: it validates the
// client and stores a pending transaction the decision endpoint resumes.
func (h *Handler) Authorize(c *gin.Context) {
	responseType := c.Query("response_type")
	clientID := c.Query("client_id")
	redirectURI := c.Query("redirect_uri")

	if responseType != "code" && responseType != "token" {
		h.writeError(c, errInvalidRequest("response_type must be code or token"))
		return
	}
	if clientID == "" {
		h.writeError(c, errInvalidRequest("client_id is required"))
		return
	}

	client, err := h.auth.ValidateConsumer(c.Request.Context(), clientID, false)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if client == nil {
		h.writeError(c, errInvalidClient("unknown client"))
		return
	}

	txn, err := h.txns.Save(c.Request.Context(), &Transaction{
		ResponseType: responseType,
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		Scopes:       parseScopes(c.Query("scope")),
		State:        c.Query("state"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transaction_id": txn.ID,
		"client_id":      txn.ClientID,
		"scope":          joinScopes(txn.Scopes),
		"state":          txn.State,
	})
}

// Decision resumes a pending transaction with the resource owner's verdict.
// The user authenticates with a bearer token or username/password form
// fields; on approval the code or implicit token is delivered on the
// transaction's redirect URI.
func (h *Handler) Decision(c *gin.Context) {
	ctx := c.Request.Context()

	// Authenticate before consuming: a failed login must not burn the
	// one-time transaction.
	user, err := h.authenticateResourceOwner(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	txn, err := h.txns.Consume(ctx, c.PostForm("transaction_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if txn == nil {
		h.writeError(c, errInvalidRequest("transaction is invalid or expired"))
		return
	}

	if c.PostForm("approve") != "true" {
		h.deliverError(c, txn, errAccessDenied("the resource owner denied the request"))
		return
	}

	switch txn.ResponseType {
	case "code":
		code, err := h.engine.IssueCode(ctx, txn.ClientID, txn.RedirectURI, user.ID, txn.Scopes)
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.deliverCode(c, txn, code)
	case "token":
		tok, err := h.engine.ImplicitToken(ctx, user.ID, txn.ClientID, txn.Scopes)
		if err != nil {
			h.writeError(c, err)
			return
		}
		h.deliverImplicit(c, txn, tok.External())
	default:
		h.writeError(c, errInvalidRequest("unsupported response type"))
	}
}

// Token is the RFC 6749 token endpoint. The client must authenticate via
// HTTP basic or body parameters before any grant runs.
func (h *Handler) Token(c *gin.Context) {
	ctx := c.Request.Context()

	clientID, clientSecret := clientCredentials(c)
	client, err := h.engine.ValidateClient(ctx, clientID, clientSecret)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var pair *TokenPair
	grantType := c.PostForm("grant_type")
	switch grantType {
	case "authorization_code":
		pair, err = h.engine.ExchangeCode(ctx, c.PostForm("code"), clientID, c.PostForm("redirect_uri"))
	case "password":
		pair, err = h.engine.PasswordGrant(ctx, client,
			c.PostForm("username"), c.PostForm("password"), parseScopes(c.PostForm("scope")))
	case "client_credentials":
		pair, err = h.engine.ClientCredentialsGrant(ctx, client, parseScopes(c.PostForm("scope")))
	case "refresh_token":
		pair, err = h.engine.RefreshGrant(ctx, c.PostForm("refresh_token"))
	default:
		err = errUnsupportedGrantType(grantType)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(http.StatusOK, pair)
}

// rateLimit bounds the token endpoint.
func (h *Handler) rateLimit(c *gin.Context) {
	if h.limiter != nil && !h.limiter.Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "slow_down",
			"error_description": "too many requests",
		})
		return
	}
	c.Next()
}

// authenticateResourceOwner authenticates the user driving the decision
// endpoint: bearer token first, then username/password form fields.
func (h *Handler) authenticateResourceOwner(c *gin.Context) (*consumer.Consumer, error) {
	ctx := c.Request.Context()

	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		user, err := h.auth.AuthenticateToken(ctx, strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			if _, ok := protocolError(err); !ok {
				err = errAccessDenied("resource owner authentication failed")
			}
			return nil, err
		}
		if user == nil {
			return nil, errAccessDenied("resource owner authentication failed")
		}
		return user, nil
	}

	username, password := c.PostForm("username"), c.PostForm("password")
	if username == "" || password == "" {
		return nil, errAccessDenied("resource owner authentication required")
	}
	user, err := h.auth.AuthenticateCredential(ctx, username, password, credential.TypeBasicAuth)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errAccessDenied("resource owner authentication failed")
	}
	return user, nil
}

// deliverCode sends the code back over the redirect URI, or as JSON for
// out-of-band clients without one.
func (h *Handler) deliverCode(c *gin.Context, txn *Transaction, code *AuthorizationCode) {
	if txn.RedirectURI == "" {
		c.JSON(http.StatusOK, gin.H{"code": code.Code, "state": txn.State})
		return
	}
	q := url.Values{}
	q.Set("code", code.Code)
	if txn.State != "" {
		q.Set("state", txn.State)
	}
	c.Redirect(http.StatusFound, txn.RedirectURI+"?"+q.Encode())
}

// deliverImplicit sends the token in the URI fragment per RFC 6749 §4.2.2.
func (h *Handler) deliverImplicit(c *gin.Context, txn *Transaction, external string) {
	if txn.RedirectURI == "" {
		c.JSON(http.StatusOK, gin.H{
			"access_token": external,
			"token_type":   "Bearer",
			"state":        txn.State,
		})
		return
	}
	q := url.Values{}
	q.Set("access_token", external)
	q.Set("token_type", "Bearer")
	if txn.State != "" {
		q.Set("state", txn.State)
	}
	c.Redirect(http.StatusFound, txn.RedirectURI+"#"+q.Encode())
}

// deliverError reports a protocol error on the transaction's redirect URI
// when one exists, JSON otherwise.
func (h *Handler) deliverError(c *gin.Context, txn *Transaction, oerr *Error) {
	if txn.RedirectURI == "" {
		h.writeError(c, oerr)
		return
	}
	q := url.Values{}
	q.Set("error", oerr.Code)
	if oerr.Description != "" {
		q.Set("error_description", oerr.Description)
	}
	if txn.State != "" {
		q.Set("state", txn.State)
	}
	c.Redirect(http.StatusFound, txn.RedirectURI+"?"+q.Encode())
}

// writeError maps protocol errors to their RFC status and everything else
// to an opaque server_error.
func (h *Handler) writeError(c *gin.Context, err error) {
	if oerr, ok := protocolError(err); ok {
		if oerr.Code == CodeInvalidClient {
			c.Header("WWW-Authenticate", `Basic realm="oauth2"`)
		}
		c.AbortWithStatusJSON(oerr.Status(), oerr)
		return
	}

	h.logger.Error("oauth2 request failed", observability.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, &Error{Code: CodeServerError})
}

// clientCredentials extracts client id/secret from HTTP basic auth or body
// parameters, basic taking precedence.
func clientCredentials(c *gin.Context) (string, string) {
	if id, secret, ok := c.Request.BasicAuth(); ok {
		return id, secret
	}
	return c.PostForm("client_id"), c.PostForm("client_secret")
}

func protocolError(err error) (*Error, bool) {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr, true
	}
	return nil, false
}

func parseScopes(s string) []string {
	return strings.Fields(s)
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
