package app

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"medreport-ai/internal/pkg/jwtutil"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// AuthService exchanges a pre-shared API key for a short-lived JWT. The key
// itself is never stored; only its bcrypt hash lives in config.
type AuthService struct {
	apiKeyHash    string
	jwtSecret     string
	jwtExpiration time.Duration
}

func NewAuthService(apiKeyHash, jwtSecret string, jwtExpiration time.Duration) *AuthService {
	if jwtExpiration <= 0 {
		jwtExpiration = 24 * time.Hour
	}
	return &AuthService{
		apiKeyHash:    apiKeyHash,
		jwtSecret:     jwtSecret,
		jwtExpiration: jwtExpiration,
	}
}

type TokenResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken validates the API key against the configured hash and returns a
// signed token.
func (s *AuthService) IssueToken(apiKey string) (*TokenResult, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrInvalidInput
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	now := time.Now()
	token, err := jwtutil.GenerateToken(s.jwtSecret, s.jwtExpiration, "api-client")
	if err != nil {
		return nil, err
	}
	return &TokenResult{
		Token:     token,
		ExpiresAt: now.Add(s.jwtExpiration),
	}, nil
}
