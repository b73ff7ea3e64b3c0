// ABOUTME: Account service: signup, login, token verification and account deletion
// ABOUTME: Enforces the email domain allow-list and password rules before touching the store

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/engine-gateway/internal/apperr"
	"github.com/2389/engine-gateway/internal/store"
)

// Service errors. Each wraps an apperr kind so the HTTP layer can map it.
var (
	// ErrInvalidCredentials is returned for both unknown emails and wrong
	// passwords so the two cases cannot be told apart.
	ErrInvalidCredentials = apperr.New(apperr.ErrAuth, "invalid email or password")

	// ErrWeakCredential marks password policy failures.
	ErrWeakCredential = fmt.Errorf("weak credential: %w", apperr.ErrValidation)

	// ErrUnauthenticated is returned by Verify for any bad or expired token.
	ErrUnauthenticated = apperr.New(apperr.ErrAuth, "invalid or expired token")
)

// ServiceConfig holds account policy.
type ServiceConfig struct {
	AllowedDomain     string        // required email domain, lower-case, no "@"
	MinPasswordLength int           // minimum password length in bytes
	TokenTTL          time.Duration // access token lifetime
	BcryptCost        int           // 0 means DefaultBcryptCost
}

// Session is returned by a successful signup or login.
type Session struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
}

// Service implements account operations on top of a UserStore.
type Service struct {
	users  store.UserStore
	issuer *JWTIssuer
	cfg    ServiceConfig
	logger *slog.Logger
}

// NewService creates an account service.
func NewService(users store.UserStore, issuer *JWTIssuer, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = DefaultBcryptCost
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 6
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:  users,
		issuer: issuer,
		cfg:    cfg,
		logger: logger.With("component", "auth"),
	}
}

// Signup registers a new account and logs it in.
func (s *Service) Signup(ctx context.Context, email, password string) (*Session, error) {
	email = store.NormalizeEmail(email)
	if err := s.checkEmail(email); err != nil {
		return nil, err
	}
	if err := s.checkPassword(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Active:       true,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailExists) {
			return nil, apperr.New(apperr.ErrConflict, "email already registered")
		}
		return nil, fmt.Errorf("%w: creating user: %v", apperr.ErrPersistence, err)
	}

	s.logger.Info("user signed up", "user_id", user.ID)
	return s.issue(user)
}

// Login verifies credentials and issues a new access token.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = store.NormalizeEmail(email)

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			burnCompare(password, s.cfg.BcryptCost)
			s.logger.Debug("login failed", "reason", "unknown email")
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: looking up user: %v", apperr.ErrPersistence, err)
	}

	if !CheckPassword(user.PasswordHash, password) {
		s.logger.Debug("login failed", "reason", "wrong password", "user_id", user.ID)
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		s.logger.Debug("login failed", "reason", "inactive", "user_id", user.ID)
		return nil, ErrInvalidCredentials
	}

	s.logger.Info("user logged in", "user_id", user.ID)
	return s.issue(user)
}

// Verify checks a token and returns the identity it carries. It never touches the store.
func (s *Service) Verify(token string) (*Identity, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// Me returns the stored account for userID.
func (s *Service) Me(ctx context.Context, userID string) (*Identity, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.ErrAuth, "account no longer exists")
		}
		return nil, fmt.Errorf("%w: looking up user: %v", apperr.ErrPersistence, err)
	}
	return &Identity{UserID: user.ID, Email: user.Email}, nil
}

// DeleteAccount removes the account and all of its history. Deleting an
// account that no longer exists succeeds.
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.users.DeleteUserCascade(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: deleting account: %v", apperr.ErrPersistence, err)
	}
	s.logger.Info("account deleted", "user_id", userID)
	return nil
}

func (s *Service) issue(user *store.User) (*Session, error) {
	token, err := s.issuer.Generate(user.ID, user.Email, s.cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}
	return &Session{
		AccessToken: token,
		TokenType:   "bearer",
		UserID:      user.ID,
		Email:       user.Email,
	}, nil
}

func (s *Service) checkEmail(email string) error {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t\r\n") {
		return apperr.New(apperr.ErrValidation, "invalid email address")
	}
	if s.cfg.AllowedDomain != "" && email[at+1:] != s.cfg.AllowedDomain {
		return apperr.Newf(apperr.ErrValidation, "only @%s email addresses may sign up", s.cfg.AllowedDomain)
	}
	return nil
}

func (s *Service) checkPassword(password string) error {
	if len(password) < s.cfg.MinPasswordLength {
		return apperr.Newf(ErrWeakCredential, "password must be at least %d characters", s.cfg.MinPasswordLength)
	}
	if len(password) > MaxPasswordBytes {
		return apperr.Newf(ErrWeakCredential, "password must be at most %d bytes", MaxPasswordBytes)
	}
	return nil
}
