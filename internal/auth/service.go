package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fenggwsx/roomcast/internal/storage"
)

var (
	ErrDuplicateUser      = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Service registers and authenticates accounts against a user store.
type Service struct {
	users storage.UserStore
	cost  int
}

// NewService creates a Service hashing passwords at the given bcrypt cost.
func NewService(users storage.UserStore, cost int) *Service {
	return &Service{users: users, cost: cost}
}

// Register creates an account. An existing username yields ErrDuplicateUser.
func (s *Service) Register(ctx context.Context, username, password string) (*storage.User, error) {
	username, password, err := sanitizeCredentials(username, password)
	if err != nil {
		return nil, err
	}

	hashed, err := HashPassword(password, s.cost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	user := &storage.User{
		Username:  username,
		Password:  hashed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrDuplicateUser
		}
		return nil, err
	}
	return user, nil
}

// Authenticate checks credentials. Unknown users and wrong passwords both
// yield ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*storage.User, error) {
	username, password, err := sanitizeCredentials(username, password)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := ComparePassword(user.Password, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func sanitizeCredentials(username, password string) (string, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", "", ErrInvalidCredentials
	}
	return username, password, nil
}
