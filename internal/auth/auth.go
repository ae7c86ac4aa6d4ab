// Package auth guards the HTTP API with password login and signed bearer
// tokens.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/procyard/internal/config"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"

	DefaultTokenTTL = 24 * time.Hour
	issuer          = "procyard"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims are carried by issued tokens.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// CanWrite reports whether the holder may change state.
func (c *Claims) CanWrite() bool { return c.Role == RoleAdmin }

// Token is the login response.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type user struct {
	hash []byte
	role string
}

// Service verifies passwords and issues and checks tokens.
type Service struct {
	users  map[string]user
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New validates the configured users. Password hashes must be bcrypt.
func New(cfg config.AuthConfig) (*Service, error) {
	s := &Service{
		users: make(map[string]user, len(cfg.Users)),
		ttl:   cfg.TokenTTL,
		now:   time.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	if cfg.JWTSecret != "" {
		s.secret = []byte(cfg.JWTSecret)
	} else {
		s.secret = make([]byte, 32)
		if _, err := rand.Read(s.secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
	}
	for _, u := range cfg.Users {
		name := strings.TrimSpace(u.Username)
		if name == "" {
			return nil, errors.New("auth user requires a username")
		}
		if _, dup := s.users[name]; dup {
			return nil, fmt.Errorf("duplicate auth user %q", name)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %s: password_hash is not a bcrypt hash: %w", name, err)
		}
		role := u.Role
		if role == "" {
			role = RoleViewer
		}
		if role != RoleAdmin && role != RoleViewer {
			return nil, fmt.Errorf("user %s: unknown role %q", name, role)
		}
		s.users[name] = user{hash: []byte(u.PasswordHash), role: role}
	}
	if len(s.users) == 0 {
		return nil, errors.New("auth enabled but no users configured")
	}
	return s, nil
}

// HashPassword returns the bcrypt hash to put in password_hash.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword returns the claims for a valid username/password pair.
func (s *Service) CheckPassword(username, password string) (*Claims, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Claims{Username: username, Role: u.role}, nil
}

// Login checks the password and issues a token.
func (s *Service) Login(username, password string) (Token, error) {
	c, err := s.CheckPassword(username, password)
	if err != nil {
		return Token{}, err
	}
	now := s.now()
	exp := now.Add(s.ttl)
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Token{Type: "Bearer", Value: signed, ExpiresAt: exp}, nil
}

// Verify parses a token issued by Login. Tokens of users removed from the
// configuration are rejected.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	u, ok := s.users[claims.Username]
	if !ok {
		return nil, fmt.Errorf("%w: unknown user", ErrInvalidToken)
	}
	claims.Role = u.role
	return claims, nil
}
