package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"specline/internal/domain"
	"specline/internal/repo"
)

// ErrUnauthenticated means no usable identity was presented.
var ErrUnauthenticated = errors.New("unauthenticated")

const (
	SourceJWT    = "jwt"
	SourceAPIKey = "api_key"

	apiKeyPrefix = "sl_"
)

// Identity is an authenticated caller.
type Identity struct {
	UserID string
	Email  string
	Source string
}

// Service issues and verifies the credentials accepted by the API.
type Service struct {
	Repo     repo.Repo
	Secret   string
	TokenTTL time.Duration
	Now      func() time.Time
	NewID    func() string
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// IssueToken signs an HS256 token for userID.
func (s Service) IssueToken(userID, email string) (string, time.Time, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, errors.New("user id required")
	}
	ttl := s.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := s.now()
	exp := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: email,
	})
	signed, err := token.SignedString([]byte(s.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// ParseToken verifies an HS256 token and returns its subject.
func (s Service) ParseToken(token string) (Identity, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return Identity{}, fmt.Errorf("%w: jwt secret not configured", ErrUnauthenticated)
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if !parsed.Valid || c.Subject == "" {
		return Identity{}, fmt.Errorf("%w: subject claim required", ErrUnauthenticated)
	}
	return Identity{UserID: c.Subject, Email: c.Email, Source: SourceJWT}, nil
}

// CreateAPIKey stores a new key for userID and returns the plaintext once.
func (s Service) CreateAPIKey(ctx context.Context, userID, name string) (string, domain.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := apiKeyPrefix + hex.EncodeToString(buf)
	id := uuid.NewString()
	if s.NewID != nil {
		id = s.NewID()
	}
	key := domain.APIKey{
		ID:        id,
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ResolveAPIKey looks up the owner of a plaintext key.
func (s Service) ResolveAPIKey(ctx context.Context, key string) (Identity, error) {
	if strings.TrimSpace(key) == "" {
		return Identity{}, ErrUnauthenticated
	}
	k, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return Identity{}, ErrUnauthenticated
	}
	if err != nil {
		return Identity{}, err
	}
	u, err := s.Repo.GetUser(ctx, k.UserID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: u.ID, Email: u.Email, Source: SourceAPIKey}, nil
}

func (s Service) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	return s.Repo.ListAPIKeys(ctx, userID)
}

func (s Service) RevokeAPIKey(ctx context.Context, userID, id string) error {
	return s.Repo.DeleteAPIKey(ctx, userID, id)
}
