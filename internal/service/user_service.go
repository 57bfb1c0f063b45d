package service

import (
	"context"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
)

// UserService exposes account lookups to the operator console.
type UserService struct {
	users domain.UserRepository
}

func NewUserService(users domain.UserRepository) *UserService {
	return &UserService{users: users}
}

func (s *UserService) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return s.users.GetByID(ctx, id)
}

// Profiles returns the display identities of the given conversation owners.
// Unknown ids are skipped. Only operators may look up other accounts.
func (s *UserService) Profiles(ctx context.Context, caller *domain.User, ids []string) ([]domain.Profile, error) {
	if caller.Role != domain.RoleAdmin {
		return nil, domain.ErrForbidden
	}
	users, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Profile, 0, len(users))
	for _, u := range users {
		out = append(out, u.Profile())
	}
	return out, nil
}
