package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/crypto/bcrypt"

	"vault/internal/server/database"
)

var usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// AccountService manages user signup and login. Creating an account also
// creates the user's home root node, named after the username.
type AccountService struct {
	users UserStore
	nodes NodeStore
}

// NewAccountService creates a new account service.
func NewAccountService(users UserStore, nodes NodeStore) *AccountService {
	return &AccountService{users: users, nodes: nodes}
}

func validateCredentials(username, password string) error {
	if err := validation.Validate(username,
		validation.Required,
		validation.Length(2, 32),
		validation.Match(usernamePattern),
	); err != nil {
		return fmt.Errorf("username: %v: %w", err, ErrInvalidLogin)
	}
	if err := validation.Validate(password,
		validation.Required,
		validation.Length(8, 128),
	); err != nil {
		return fmt.Errorf("password: %v: %w", err, ErrInvalidLogin)
	}
	return nil
}

// Signup registers a new user and provisions their home directory.
func (s *AccountService) Signup(ctx context.Context, username, password string) (*database.User, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &database.User{Name: username, PasswordHash: string(hash)}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, fmt.Errorf("%s: %w", username, ErrNameConflict)
		}
		return nil, err
	}

	home := &database.Node{Name: username, OwnerID: user.ID}
	if err := s.nodes.CreateRoot(ctx, home); err != nil {
		return nil, fmt.Errorf("failed to create home for %s: %w", username, err)
	}

	slog.Info("user signed up", "user_id", user.ID, "username", username)
	return user, nil
}

// Login checks credentials and returns the account.
func (s *AccountService) Login(ctx context.Context, username, password string) (*database.User, error) {
	user, err := s.users.ByName(ctx, username)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, ErrInvalidLogin
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidLogin
	}
	return user, nil
}

// Get retrieves a user by id, for session restoration.
func (s *AccountService) Get(ctx context.Context, id int64) (*database.User, error) {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, fmt.Errorf("user %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return user, nil
}

// Home returns the user's home root node.
func (s *AccountService) Home(ctx context.Context, userID int64) (*database.Node, error) {
	home, err := s.nodes.Home(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNodeNotFound) {
			return nil, fmt.Errorf("home of user %d: %w", userID, ErrNotFound)
		}
		return nil, err
	}
	return home, nil
}
