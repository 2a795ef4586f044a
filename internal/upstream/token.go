package upstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenConfig holds the service-account credentials used to mint the bearer
// assertion presented to the CRM API.
type TokenConfig struct {
	Issuer     string
	Subject    string
	Audience   string
	SigningKey string
	TTL        time.Duration
}

// renewMargin is how long before expiry a cached token is considered stale.
const renewMargin = 30 * time.Second

// TokenSource mints and caches signed JWT bearer assertions. A token is
// reused until shortly before its expiry.
type TokenSource struct {
	mu        sync.Mutex
	cfg       TokenConfig
	key       []byte
	token     string
	expiresAt time.Time
}

// NewTokenSource validates cfg and returns a TokenSource.
func NewTokenSource(cfg TokenConfig) (*TokenSource, error) {
	if cfg.SigningKey == "" {
		return nil, fmt.Errorf("upstream auth: signing key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &TokenSource{cfg: cfg, key: []byte(cfg.SigningKey)}, nil
}

// Token returns a valid signed assertion, minting a fresh one when the
// cached token is absent or within the renewal margin of expiry.
func (ts *TokenSource) Token() (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	now := time.Now()
	if ts.token != "" && now.Before(ts.expiresAt.Add(-renewMargin)) {
		return ts.token, nil
	}

	expiresAt := now.Add(ts.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Issuer:    ts.cfg.Issuer,
		Subject:   ts.cfg.Subject,
		Audience:  jwt.ClaimStrings{ts.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("signing assertion: %w", err)
	}

	ts.token = signed
	ts.expiresAt = expiresAt
	return signed, nil
}
