// Package auth turns bearer tokens into the actor identity every engine
// operation authorizes against. Tokens are HS256 JWTs whose subject is the
// account id; issuing them to end users (login, sessions) happens elsewhere.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken signals a missing, malformed, expired or forged token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmptySecret signals the service was configured without a key.
	ErrEmptySecret = errors.New("auth: signing secret is empty")
)

// Role separates ordinary account holders from operators, who may run
// maintenance operations.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
)

// DefaultTTL is how long issued tokens stay valid.
const DefaultTTL = 24 * time.Hour

// Claims is the verified identity carried by a token.
type Claims struct {
	ActorID string
	Role    Role
}

type tokenClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a token service keyed by secret.
func NewService(secret string) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	return &Service{secret: []byte(secret), ttl: DefaultTTL, now: time.Now}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

// Issue signs a token for actorID.
func (s *Service) Issue(actorID string, role Role) (string, error) {
	if actorID == "" {
		return "", fmt.Errorf("auth: actor id is required")
	}
	if !isValidRole(role) {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := s.now()
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns its identity.
func (s *Service) VerifyToken(tokenString string) (Claims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	role := claims.Role
	if role == "" {
		role = RoleUser
	}
	if !isValidRole(role) {
		return Claims{}, fmt.Errorf("%w: role %q", ErrInvalidToken, role)
	}
	return Claims{ActorID: claims.Subject, Role: role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func isValidRole(role Role) bool {
	switch role {
	case RoleUser, RoleOperator:
		return true
	default:
		return false
	}
}
