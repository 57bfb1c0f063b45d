package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/security"
	"github.com/djamkenny/hairbookery-sub000/internal/service"
)

func newAuth(repo *MockUserRepo) (*service.AuthService, *security.TokenService, *security.PasswordHasher) {
	tokenSvc := security.NewTokenService("secret", time.Hour)
	hasher := security.NewPasswordHasher(4) // low cost for tests
	return service.NewAuthService(repo, tokenSvc, hasher), tokenSvc, hasher
}

func TestRegister(t *testing.T) {
	mockRepo := new(MockUserRepo)
	svc, _, _ := newAuth(mockRepo)

	t.Run("Success", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "ada@example.com").Return(nil, domain.ErrNotFound).Once()
		mockRepo.On("Create", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
			return u.Email == "ada@example.com" && u.Role == domain.RoleUser && u.ID != ""
		})).Return(nil).Once()

		user, err := svc.Register(context.Background(), service.RegisterInput{
			Name:     "Ada",
			Email:    " Ada@Example.com ",
			Password: "Password1!",
		})
		require.NoError(t, err)
		assert.Equal(t, "Ada", user.Name)
		assert.True(t, user.IsActive)
		assert.NotEqual(t, "Password1!", user.HashedPassword)
	})

	t.Run("EmailTaken", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "taken@example.com").Return(&domain.User{ID: "u1"}, nil).Once()

		user, err := svc.Register(context.Background(), service.RegisterInput{
			Name:     "Taken",
			Email:    "taken@example.com",
			Password: "Password1!",
		})
		assert.Nil(t, user)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})

	t.Run("Validation", func(t *testing.T) {
		cases := []service.RegisterInput{
			{Name: "", Email: "a@example.com", Password: "Password1!"},
			{Name: "A", Email: "not-an-email", Password: "Password1!"},
			{Name: "A", Email: "a@example.com", Password: "short"},
		}
		for _, in := range cases {
			_, err := svc.Register(context.Background(), in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.True(t, service.IsValidation(err))
		}
	})

	mockRepo.AssertExpectations(t)
}

func TestLogin(t *testing.T) {
	mockRepo := new(MockUserRepo)
	svc, tokens, hasher := newAuth(mockRepo)

	hashed, err := hasher.Hash("Password1!")
	require.NoError(t, err)
	user := &domain.User{ID: "u1", Email: "ada@example.com", HashedPassword: hashed, Role: domain.RoleUser, IsActive: true}

	t.Run("Success", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "ada@example.com").Return(user, nil).Once()

		resp, err := svc.Login(context.Background(), service.LoginInput{Email: "ada@example.com", Password: "Password1!"})
		require.NoError(t, err)
		assert.Equal(t, "bearer", resp.TokenType)

		claims, err := tokens.Parse(resp.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "u1", claims.Subject)
		assert.Equal(t, domain.RoleUser, claims.Role)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "ada@example.com").Return(user, nil).Once()

		_, err := svc.Login(context.Background(), service.LoginInput{Email: "ada@example.com", Password: "nope-nope"})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("UnknownEmail", func(t *testing.T) {
		mockRepo.On("GetByEmail", mock.Anything, "ghost@example.com").Return(nil, domain.ErrNotFound).Once()

		_, err := svc.Login(context.Background(), service.LoginInput{Email: "ghost@example.com", Password: "Password1!"})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("Inactive", func(t *testing.T) {
		inactive := *user
		inactive.IsActive = false
		mockRepo.On("GetByEmail", mock.Anything, "ada@example.com").Return(&inactive, nil).Once()

		_, err := svc.Login(context.Background(), service.LoginInput{Email: "ada@example.com", Password: "Password1!"})
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})
}

func TestEnsureAdmin(t *testing.T) {
	in := service.RegisterInput{Name: "Ops", Email: "ops@example.com", Password: "Password1!"}

	t.Run("Creates", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc, _, _ := newAuth(mockRepo)
		mockRepo.On("GetByEmail", mock.Anything, "ops@example.com").Return(nil, domain.ErrNotFound)
		mockRepo.On("Create", mock.Anything, mock.MatchedBy(func(u *domain.User) bool {
			return u.Role == domain.RoleAdmin
		})).Return(nil).Once()

		admin, err := svc.EnsureAdmin(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, domain.RoleAdmin, admin.Role)
		mockRepo.AssertExpectations(t)
	})

	t.Run("Existing", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc, _, _ := newAuth(mockRepo)
		existing := &domain.User{ID: "a1", Email: "ops@example.com", Role: domain.RoleAdmin}
		mockRepo.On("GetByEmail", mock.Anything, "ops@example.com").Return(existing, nil)

		admin, err := svc.EnsureAdmin(context.Background(), in)
		require.NoError(t, err)
		assert.Same(t, existing, admin)
		mockRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	})

	t.Run("EmailOwnedByCustomer", func(t *testing.T) {
		mockRepo := new(MockUserRepo)
		svc, _, _ := newAuth(mockRepo)
		mockRepo.On("GetByEmail", mock.Anything, "ops@example.com").Return(&domain.User{ID: "u9", Role: domain.RoleUser}, nil)

		_, err := svc.EnsureAdmin(context.Background(), in)
		assert.ErrorIs(t, err, domain.ErrConflict)
	})
}
