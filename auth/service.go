package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a token that failed signature or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSubject signals a token without a principal id.
	ErrMissingSubject = errors.New("auth: token has no subject")
)

const defaultTokenTTL = 24 * time.Hour

// Service verifies identity tokens issued by the platform's identity provider.
// Credentials are never handled here.
type Service struct {
	jwtSecret []byte
	now       func() time.Time
}

// NewService creates a token verifier for the shared HMAC secret.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// VerifyToken validates a JWT and returns the principal it names.
func (s *Service) VerifyToken(tokenString string) (Principal, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return Principal{}, ErrMissingSubject
	}

	rawCaps, ok := claims["caps"].([]any)
	if !ok {
		return Principal{}, fmt.Errorf("%w: caps claim missing", ErrInvalidToken)
	}
	caps := make([]Capability, 0, len(rawCaps))
	for _, raw := range rawCaps {
		str, ok := raw.(string)
		if !ok || !isValidCapability(Capability(str)) {
			return Principal{}, fmt.Errorf("%w: unknown capability %v", ErrInvalidToken, raw)
		}
		caps = append(caps, Capability(str))
	}

	return Principal{ID: subject, Capabilities: caps}, nil
}

// IssueToken signs a token for p. It exists for local tooling and tests; in
// production tokens come from the identity provider.
func (s *Service) IssueToken(p Principal, ttl time.Duration) (string, error) {
	if p.ID == "" {
		return "", ErrMissingSubject
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	caps := make([]string, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		if !isValidCapability(c) {
			return "", fmt.Errorf("auth: invalid capability %q", c)
		}
		caps = append(caps, string(c))
	}

	now := s.now()
	claims := jwt.MapClaims{
		"sub":  p.ID,
		"caps": caps,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
