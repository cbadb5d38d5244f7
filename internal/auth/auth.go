package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/btcexchange/internal/exchange"
	"github.com/xtrntr/btcexchange/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Users is the user registry the auth service works against
type Users interface {
	RegisterUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	UserByUsername(ctx context.Context, username string) (*models.User, error)
}

// AuthService handles user authentication
type AuthService struct {
	users  Users
	secret []byte
	ttl    time.Duration
	cost   int
}

// NewAuthService creates a new auth service signing tokens with secret
func NewAuthService(users Users, secret string, ttl time.Duration) *AuthService {
	return &AuthService{users: users, secret: []byte(secret), ttl: ttl, cost: bcrypt.DefaultCost}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	if len(username) > 50 {
		return nil, fmt.Errorf("%w: username too long (max 50 characters)", ErrInvalidInput)
	}
	// bcrypt only looks at the first 72 bytes
	if len(password) > 72 {
		return nil, fmt.Errorf("%w: password too long (max 72 bytes)", ErrInvalidInput)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.RegisterUser(ctx, username, string(hashedPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, exchange.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.IssueToken(user)
}

// IssueToken signs a token for user that expires after the configured TTL
func (s *AuthService) IssueToken(user *models.User) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"iat":      now.Unix(),
		"exp":      now.Add(s.ttl).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// GetUserFromToken extracts user ID from JWT
func (s *AuthService) GetUserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, ErrInvalidToken
	}
	if _, ok := claims["exp"]; !ok {
		return 0, fmt.Errorf("%w: missing exp claim", ErrInvalidToken)
	}
	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return 0, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	return int64(userID), nil
}

type contextKey struct{}

// WithUserID returns a copy of ctx carrying the authenticated user id
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserIDFromContext returns the user id stored by WithUserID
func UserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(contextKey{}).(int64)
	return userID, ok
}
