package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/service"
)

func TestProfiles(t *testing.T) {
	mockRepo := new(MockUserRepo)
	svc := service.NewUserService(mockRepo)
	admin := &domain.User{ID: "a1", Role: domain.RoleAdmin}
	customer := &domain.User{ID: "u1", Role: domain.RoleUser}

	t.Run("AdminSeesProfiles", func(t *testing.T) {
		mockRepo.On("ListByIDs", mock.Anything, []string{"u1", "u2"}).Return([]*domain.User{
			{ID: "u1", Name: "Ada", Email: "ada@example.com", HashedPassword: "x"},
		}, nil).Once()

		profiles, err := svc.Profiles(context.Background(), admin, []string{"u1", "u2"})
		require.NoError(t, err)
		assert.Equal(t, []domain.Profile{{ID: "u1", Name: "Ada", Email: "ada@example.com"}}, profiles)
	})

	t.Run("CustomerForbidden", func(t *testing.T) {
		_, err := svc.Profiles(context.Background(), customer, []string{"u2"})
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	mockRepo.AssertExpectations(t)
}
