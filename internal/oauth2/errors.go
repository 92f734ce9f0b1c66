package oauth2

import "net/http"

// RFC 6749 error codes.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidClient        = "invalid_client"
	CodeInvalidGrant         = "invalid_grant"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidScope         = "invalid_scope"
	CodeAccessDenied         = "access_denied"
	CodeServerError          = "server_error"
)

// Error is an OAuth2 protocol error serialized per RFC 6749 §5.2.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Status maps the error code to an HTTP status.
func (e *Error) Status() int {
	switch e.Code {
	case CodeInvalidClient:
		return http.StatusUnauthorized
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Protocol error constructors.
func errInvalidRequest(desc string) *Error { return &Error{Code: CodeInvalidRequest, Description: desc} }
func errInvalidClient(desc string) *Error  { return &Error{Code: CodeInvalidClient, Description: desc} }
func errInvalidGrant(desc string) *Error   { return &Error{Code: CodeInvalidGrant, Description: desc} }
func errInvalidScope(desc string) *Error   { return &Error{Code: CodeInvalidScope, Description: desc} }
func errAccessDenied(desc string) *Error   { return &Error{Code: CodeAccessDenied, Description: desc} }

func errUnsupportedGrantType(grantType string) *Error {
	return &Error{Code: CodeUnsupportedGrantType, Description: "unsupported grant type " + grantType}
}
