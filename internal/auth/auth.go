package auth

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/jobtrail/jobtrail/internal/model"
	"github.com/jobtrail/jobtrail/internal/store"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

type Service struct {
	store  *store.Store
	logger *zap.Logger
}

func NewService(st *store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger}
}

func (s *Service) Register(ctx context.Context, username, email, password string) (*model.User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, username, email, string(hashedPassword))
	if err != nil {
		return nil, err
	}

	s.logger.Info("user registered", zap.Int64("user_id", user.ID), zap.String("username", username))
	return user, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*model.User, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}
