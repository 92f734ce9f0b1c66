package credential

import "errors"

// Sentinel errors for credential operations.
var (
	// ErrUnknownType indicates an unregistered credential type.
	ErrUnknownType = errors.New("credential type unknown")

	// ErrAlreadyExists indicates an active credential already exists for the
	// (type, id) pair.
	ErrAlreadyExists = errors.New("credential already exists and is active")

	// ErrInactiveExists indicates an inactive credential occupies the
	// (type, id) pair; it must be reactivated, not reinserted.
	ErrInactiveExists = errors.New("credential exists but is inactive")

	// ErrNotFound indicates the credential does not exist.
	ErrNotFound = errors.New("credential not found")

	// ErrSecretRequired indicates no secret was supplied and the type does
	// not auto-generate one.
	ErrSecretRequired = errors.New("secret is required")

	// ErrPropertyRequired indicates a required property is missing.
	ErrPropertyRequired = errors.New("required property missing")

	// ErrPropertyImmutable indicates a write to an immutable property.
	ErrPropertyImmutable = errors.New("property is immutable")

	// ErrPropertyUnknown indicates a property not defined by the type.
	ErrPropertyUnknown = errors.New("property is not defined for credential type")

	// ErrScopeNotFound indicates one or more referenced scopes are not
	// registered.
	ErrScopeNotFound = errors.New("one or more scopes don't exist")

	// ErrScopeExists indicates a bulk scope insert included an already
	// registered scope.
	ErrScopeExists = errors.New("one or more scopes already exist")

	// ErrInvalidInput indicates missing or malformed input.
	ErrInvalidInput = errors.New("invalid input")
)
