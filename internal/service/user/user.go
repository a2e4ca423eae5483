package user

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nkiryanov/trainlog/internal/apperrors"
	"github.com/nkiryanov/trainlog/internal/models"
	"github.com/nkiryanov/trainlog/internal/repository"
	"github.com/nkiryanov/trainlog/internal/service/auth"
)

const minPasswordLen = 8

var validate = validator.New()

type UserService struct {
	hasher   auth.PasswordHasher
	userRepo repository.UserRepo
}

func NewService(hasher auth.PasswordHasher, userRepo repository.UserRepo) *UserService {
	if hasher == nil {
		hasher = auth.DefaultHasher
	}

	return &UserService{
		hasher:   hasher,
		userRepo: userRepo,
	}
}

// Register new user with normalized email and hashed password
func (s *UserService) Register(ctx context.Context, email string, password string) (models.User, error) {
	var user models.User
	email = normalizeEmail(email)

	fields := make(map[string]string)
	if err := validate.Var(email, "required,email"); err != nil {
		fields["email"] = "Invalid email address"
	}
	if err := validate.Var(password, fmt.Sprintf("min=%d", minPasswordLen)); err != nil {
		fields["password"] = fmt.Sprintf("Value is too short (minimum %d)", minPasswordLen)
	}
	if len(fields) > 0 {
		return user, apperrors.NewValidationError(fields)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return user, fmt.Errorf("can't use this as password, Err: %w", err)
	}

	user, err = s.userRepo.CreateUser(ctx, email, hash)
	if err != nil {
		return user, fmt.Errorf("can't create user. Err: %w", err)
	}

	return user, nil
}

func (s *UserService) FindByEmail(ctx context.Context, email string) (models.User, error) {
	return s.userRepo.GetUserByEmail(ctx, normalizeEmail(email))
}

func (s *UserService) VerifyPassword(user models.User, password string) bool {
	return s.hasher.Compare(user.HashedPassword, password) == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
