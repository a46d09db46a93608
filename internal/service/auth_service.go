package service

import (
	"context"
	"errors"

	"mailtriage/internal/repository"
	"mailtriage/internal/util"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

type AuthService struct {
	userRepo  *repository.UserRepository
	jwtSecret string
}

func NewAuthService(userRepo *repository.UserRepository, jwtSecret string) *AuthService {
	return &AuthService{
		userRepo:  userRepo,
		jwtSecret: jwtSecret,
	}
}

// Register creates a user and returns its id.
func (s *AuthService) Register(ctx context.Context, email, password string) (int, error) {
	hash, err := util.HashPassword(password)
	if err != nil {
		return 0, err
	}
	return s.userRepo.Create(ctx, email, hash)
}

// Login verifies credentials and issues a JWT.
func (s *AuthService) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if !util.CheckPassword(password, user.PasswordHash) {
		return "", ErrInvalidCredentials
	}
	return util.GenerateJWT(user.ID, s.jwtSecret)
}
