// Package consumer provides User and Application identities and their
// lifecycle services. A Consumer is anything that can hold credentials and
// be authorized: an end user or a registered application.
package consumer

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for consumer operations.
var (
	// ErrUsernameTaken indicates that the username is already registered.
	ErrUsernameTaken = errors.New("username already exists")

	// ErrAppNameTaken indicates that the application name is already used by
	// the owning user.
	ErrAppNameTaken = errors.New("application name already exists for user")

	// ErrUserNotFound indicates that the owning user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidInput indicates missing or malformed input.
	ErrInvalidInput = errors.New("invalid input")
)

// Kind tags a Consumer as a user or an application.
type Kind string

// Consumer kinds.
const (
	KindUser        Kind = "user"
	KindApplication Kind = "application"
)

// User is an end-user identity.
type User struct {
	ID         string            `json:"id"`
	Username   string            `json:"username"`
	Active     bool              `json:"active"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Application is a registered application owned by a user.
type Application struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	UserID     string            `json:"user_id"`
	Active     bool              `json:"active"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Consumer is the tagged union of User and Application. Exactly one of
// User and Application is set, matching Kind.
type Consumer struct {
	Kind        Kind         `json:"kind"`
	ID          string       `json:"id"`
	Active      bool         `json:"active"`
	User        *User        `json:"user,omitempty"`
	Application *Application `json:"application,omitempty"`
}

// FromUser wraps a User as a Consumer.
func FromUser(u *User) *Consumer {
	return &Consumer{Kind: KindUser, ID: u.ID, Active: u.Active, User: u}
}

// FromApplication wraps an Application as a Consumer.
func FromApplication(a *Application) *Consumer {
	return &Consumer{Kind: KindApplication, ID: a.ID, Active: a.Active, Application: a}
}

// Resolver resolves an identifier to a Consumer record. Lookups that find
// nothing return (nil, nil).
type Resolver interface {
	// GetUserByID returns the user with the given id.
	GetUserByID(ctx context.Context, id string) (*User, error)

	// FindUserByUsername returns the user with the given username.
	FindUserByUsername(ctx context.Context, username string) (*User, error)

	// GetApplicationByID returns the application with the given id.
	GetApplicationByID(ctx context.Context, id string) (*Application, error)
}

// CredentialRemover removes every credential owned by a consumer. It is
// implemented by the credential store and wired into the user and
// application services for cascade deletion.
type CredentialRemover interface {
	RemoveAllCredentials(ctx context.Context, consumerID string) error
}
