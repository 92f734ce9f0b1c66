package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avauthgw/internal/observability"
	"github.com/vyrodovalexey/avauthgw/internal/store"
)

// Key layout for user records.
const (
	userKeyPrefix     = "user:"
	usernameKeyPrefix = "user-username:"
)

func userKey(id string) string       { return userKeyPrefix + id }
func usernameKey(name string) string { return usernameKeyPrefix + name }

// UserService manages user records.
type UserService struct {
	kv     store.KV
	apps   *ApplicationService
	creds  CredentialRemover
	logger observability.Logger
}

// UserOption is a functional option for the UserService.
type UserOption func(*UserService)

// WithUserLogger sets the logger for the service.
func WithUserLogger(logger observability.Logger) UserOption {
	return func(s *UserService) {
		s.logger = logger
	}
}

// WithCredentialRemover wires the credential cascade for Remove.
func WithCredentialRemover(creds CredentialRemover) UserOption {
	return func(s *UserService) {
		s.creds = creds
	}
}

// NewUserService creates a new UserService. The ApplicationService is
// required for deactivate/remove cascades.
func NewUserService(kv store.KV, apps *ApplicationService, opts ...UserOption) *UserService {
	s := &UserService{
		kv:     kv,
		apps:   apps,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert creates a new active user. The username must be unique.
func (s *UserService) Insert(ctx context.Context, username string, properties map[string]string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	taken, err := s.kv.Exists(ctx, usernameKey(username))
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrUsernameTaken
	}

	now := time.Now().UTC()
	user := &User{
		ID:         uuid.NewString(),
		Username:   username,
		Active:     true,
		Properties: properties,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	fields, err := marshalUser(user)
	if err != nil {
		return nil, err
	}

	err = s.kv.Batch(ctx, func(p store.Pipe) {
		p.HSetAll(userKey(user.ID), fields)
		p.HSetAll(usernameKey(username), map[string]string{"id": user.ID})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user created",
		observability.String("user_id", user.ID),
		observability.String("username", username))

	return user, nil
}

// Get returns the user with the given id, or (nil, nil) when absent.
func (s *UserService) Get(ctx context.Context, id string) (*User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	fields, err := s.kv.HGetAll(ctx, userKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return unmarshalUser(id, fields)
}

// FindByUsername returns the user with the given username, or (nil, nil).
func (s *UserService) FindByUsername(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	id, err := s.kv.HGet(ctx, usernameKey(username), "id")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s.Get(ctx, id)
}

// Activate marks a user active.
func (s *UserService) Activate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, true)
}

// Deactivate marks a user inactive and cascades to all owned applications.
func (s *UserService) Deactivate(ctx context.Context, id string) error {
	if err := s.setActive(ctx, id, false); err != nil {
		return err
	}
	return s.apps.DeactivateAll(ctx, id)
}

func (s *UserService) setActive(ctx context.Context, id string, active bool) error {
	if id == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	exists, err := s.kv.Exists(ctx, userKey(id))
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}

	err = s.kv.Batch(ctx, func(p store.Pipe) {
		p.HSetAll(userKey(id), map[string]string{
			"active":    fmt.Sprintf("%t", active),
			"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	return err
}

// Remove deletes a user, its username index, all owned applications, and
// every credential owned by the user or its applications. The cascade is
// best-effort sequential across entities.
func (s *UserService) Remove(ctx context.Context, id string) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}

	if err := s.apps.RemoveAll(ctx, id); err != nil {
		return err
	}

	if s.creds != nil {
		if err := s.creds.RemoveAllCredentials(ctx, id); err != nil {
			return err
		}
	}

	err = s.kv.Batch(ctx, func(p store.Pipe) {
		p.Del(userKey(id), usernameKey(user.Username))
	})
	if err != nil {
		return err
	}

	s.logger.Info("user removed",
		observability.String("user_id", id),
		observability.String("username", user.Username))

	return nil
}

// marshalUser serializes a user to hash fields.
func marshalUser(u *User) (map[string]string, error) {
	props, err := json.Marshal(u.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize user properties: %w", err)
	}
	return map[string]string{
		"username":   u.Username,
		"active":     fmt.Sprintf("%t", u.Active),
		"properties": string(props),
		"createdAt":  u.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  u.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

// unmarshalUser deserializes a user from hash fields.
func unmarshalUser(id string, fields map[string]string) (*User, error) {
	u := &User{
		ID:       id,
		Username: fields["username"],
		Active:   fields["active"] == "true",
	}
	if raw := fields["properties"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &u.Properties); err != nil {
			return nil, fmt.Errorf("failed to parse user properties: %w", err)
		}
	}
	if ts := fields["createdAt"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse user createdAt: %w", err)
		}
		u.CreatedAt = t
	}
	if ts := fields["updatedAt"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse user updatedAt: %w", err)
		}
		u.UpdatedAt = t
	}
	return u, nil
}
