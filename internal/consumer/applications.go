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

// Key layout for application records.
const (
	appKeyPrefix      = "app:"
	userAppsKeyPrefix = "user-apps:"
	appNameKeyPrefix  = "user-app-names:"
)

func appKey(id string) string          { return appKeyPrefix + id }
func userAppsKey(userID string) string { return userAppsKeyPrefix + userID }
func appNamesKey(userID string) string { return appNameKeyPrefix + userID }

// ErrApplicationNotFound indicates that the application does not exist.
var ErrApplicationNotFound = errors.New("application not found")

// ApplicationService manages application records.
type ApplicationService struct {
	kv     store.KV
	creds  CredentialRemover
	logger observability.Logger
}

// AppOption is a functional option for the ApplicationService.
type AppOption func(*ApplicationService)

// WithAppLogger sets the logger for the service.
func WithAppLogger(logger observability.Logger) AppOption {
	return func(s *ApplicationService) {
		s.logger = logger
	}
}

// WithAppCredentialRemover wires the credential cascade for RemoveAll.
func WithAppCredentialRemover(creds CredentialRemover) AppOption {
	return func(s *ApplicationService) {
		s.creds = creds
	}
}

// NewApplicationService creates a new ApplicationService.
func NewApplicationService(kv store.KV, opts ...AppOption) *ApplicationService {
	s := &ApplicationService{
		kv:     kv,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert creates a new active application owned by a user. The name must be
// unique among the user's applications.
func (s *ApplicationService) Insert(
	ctx context.Context, userID, name string, properties map[string]string,
) (*Application, error) {
	if userID == "" || name == "" {
		return nil, fmt.Errorf("%w: user id and name are required", ErrInvalidInput)
	}

	userExists, err := s.kv.Exists(ctx, userKey(userID))
	if err != nil {
		return nil, err
	}
	if !userExists {
		return nil, ErrUserNotFound
	}

	_, err = s.kv.HGet(ctx, appNamesKey(userID), name)
	if err == nil {
		return nil, ErrAppNameTaken
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	app := &Application{
		ID:         uuid.NewString(),
		Name:       name,
		UserID:     userID,
		Active:     true,
		Properties: properties,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	fields, err := marshalApplication(app)
	if err != nil {
		return nil, err
	}

	err = s.kv.Batch(ctx, func(p store.Pipe) {
		p.HSetAll(appKey(app.ID), fields)
		p.SAdd(userAppsKey(userID), app.ID)
		p.HSetAll(appNamesKey(userID), map[string]string{name: app.ID})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("application created",
		observability.String("app_id", app.ID),
		observability.String("user_id", userID),
		observability.String("name", name))

	return app, nil
}

// Get returns the application with the given id, or (nil, nil) when absent.
func (s *ApplicationService) Get(ctx context.Context, id string) (*Application, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: application id is required", ErrInvalidInput)
	}

	fields, err := s.kv.HGetAll(ctx, appKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return unmarshalApplication(id, fields)
}

// ListByUser returns all applications owned by a user.
func (s *ApplicationService) ListByUser(ctx context.Context, userID string) ([]*Application, error) {
	ids, err := s.kv.SMembers(ctx, userAppsKey(userID))
	if err != nil {
		return nil, err
	}

	apps := make([]*Application, 0, len(ids))
	for _, id := range ids {
		app, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if app != nil {
			apps = append(apps, app)
		}
	}
	return apps, nil
}

// Activate marks an application active.
func (s *ApplicationService) Activate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, true)
}

// Deactivate marks an application inactive.
func (s *ApplicationService) Deactivate(ctx context.Context, id string) error {
	return s.setActive(ctx, id, false)
}

func (s *ApplicationService) setActive(ctx context.Context, id string, active bool) error {
	if id == "" {
		return fmt.Errorf("%w: application id is required", ErrInvalidInput)
	}

	exists, err := s.kv.Exists(ctx, appKey(id))
	if err != nil {
		return err
	}
	if !exists {
		return ErrApplicationNotFound
	}

	return s.kv.HSet(ctx, appKey(id), "active", fmt.Sprintf("%t", active))
}

// DeactivateAll marks every application owned by a user inactive.
func (s *ApplicationService) DeactivateAll(ctx context.Context, userID string) error {
	ids, err := s.kv.SMembers(ctx, userAppsKey(userID))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.setActive(ctx, id, false); err != nil && !errors.Is(err, ErrApplicationNotFound) {
			return err
		}
	}
	return nil
}

// Remove deletes an application, its indexes, and its credentials.
func (s *ApplicationService) Remove(ctx context.Context, id string) error {
	app, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if app == nil {
		return ErrApplicationNotFound
	}

	if s.creds != nil {
		if err := s.creds.RemoveAllCredentials(ctx, id); err != nil {
			return err
		}
	}

	err = s.kv.Batch(ctx, func(p store.Pipe) {
		p.Del(appKey(id))
		p.SRem(userAppsKey(app.UserID), id)
		p.HDel(appNamesKey(app.UserID), app.Name)
	})
	if err != nil {
		return err
	}

	s.logger.Info("application removed",
		observability.String("app_id", id),
		observability.String("user_id", app.UserID))

	return nil
}

// RemoveAll deletes every application owned by a user.
func (s *ApplicationService) RemoveAll(ctx context.Context, userID string) error {
	ids, err := s.kv.SMembers(ctx, userAppsKey(userID))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Remove(ctx, id); err != nil && !errors.Is(err, ErrApplicationNotFound) {
			return err
		}
	}
	return s.kv.Del(ctx, userAppsKey(userID), appNamesKey(userID))
}

// marshalApplication serializes an application to hash fields.
func marshalApplication(a *Application) (map[string]string, error) {
	props, err := json.Marshal(a.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize application properties: %w", err)
	}
	return map[string]string{
		"name":       a.Name,
		"userId":     a.UserID,
		"active":     fmt.Sprintf("%t", a.Active),
		"properties": string(props),
		"createdAt":  a.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  a.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

// unmarshalApplication deserializes an application from hash fields.
func unmarshalApplication(id string, fields map[string]string) (*Application, error) {
	a := &Application{
		ID:     id,
		Name:   fields["name"],
		UserID: fields["userId"],
		Active: fields["active"] == "true",
	}
	if raw := fields["properties"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &a.Properties); err != nil {
			return nil, fmt.Errorf("failed to parse application properties: %w", err)
		}
	}
	if ts := fields["createdAt"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse application createdAt: %w", err)
		}
		a.CreatedAt = t
	}
	if ts := fields["updatedAt"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("failed to parse application updatedAt: %w", err)
		}
		a.UpdatedAt = t
	}
	return a, nil
}
