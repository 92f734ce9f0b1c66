package consumer

import (
	"context"
)

// Service bundles the user and application services behind the Resolver
// interface used by the auth service and the grant engine.
type Service struct {
	Users        *UserService
	Applications *ApplicationService
}

// NewService creates a new Service.
func NewService(users *UserService, apps *ApplicationService) *Service {
	return &Service{Users: users, Applications: apps}
}

// GetUserByID implements Resolver.
func (s *Service) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.Users.Get(ctx, id)
}

// FindUserByUsername implements Resolver.
func (s *Service) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.Users.FindByUsername(ctx, username)
}

// GetApplicationByID implements Resolver.
func (s *Service) GetApplicationByID(ctx context.Context, id string) (*Application, error) {
	return s.Applications.Get(ctx, id)
}

// Ensure Service implements Resolver.
var _ Resolver = (*Service)(nil)
