// Package auth issues and validates the HS256 bearer tokens presented by professionals
// and administrators. Identity itself (sign-up, passwords) lives with the presentation layer.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles.
const (
	RolePro   = "pro"
	RoleAdmin = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller.
type Identity struct {
	Subject uuid.UUID
	Role    string
}

type Service interface {
	IssueToken(subject uuid.UUID, role string, ttl time.Duration) (string, error)
	ValidateToken(token string) (Identity, error)
}

type service struct {
	secret []byte
	now    func() time.Time
}

func NewService(secret string) *service {
	return &service{secret: []byte(secret), now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) IssueToken(subject uuid.UUID, role string, ttl time.Duration) (string, error) {
	if role != RolePro && role != RoleAdmin {
		return "", errors.New("invalid role")
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(token string) (Identity, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return Identity{}, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	if c.Role != RolePro && c.Role != RoleAdmin {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: id, Role: c.Role}, nil
}
