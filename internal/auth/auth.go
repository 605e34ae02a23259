// Package auth verifies bearer credentials presented at the websocket
// upgrade. The session maps the three failure kinds to distinct close
// codes, so clients can tell "log in" from "your session is broken".
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sportlevel/messenger/internal/model"
)

var (
	ErrAuthRequired       = errors.New("auth: credential required")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInsufficientRole   = errors.New("auth: no recognized role")
)

// Payload is the verified identity of a connecting client.
type Payload struct {
	ID        int64
	Roles     []string
	Abilities []string
	Lang      string
	Role      model.Role
}

type claims struct {
	Roles     []string `json:"roles"`
	Abilities []string `json:"abilities"`
	Lang      string   `json:"lang"`
	UserID    int64    `json:"id"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
}

func New(secret string) *Service {
	return &Service{secret: []byte(secret)}
}

// ProcessCredentials validates the token and extracts the identity.
// leeway absorbs clock skew between the token issuer and this process.
func (s *Service) ProcessCredentials(_ context.Context, token string, leeway time.Duration) (*Payload, error) {
	if token == "" {
		return nil, ErrAuthRequired
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithLeeway(leeway), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if c.UserID == 0 {
		return nil, ErrInvalidCredentials
	}
	role, ok := model.PickRole(c.Roles)
	if !ok {
		return nil, ErrInsufficientRole
	}
	return &Payload{
		ID:        c.UserID,
		Roles:     c.Roles,
		Abilities: c.Abilities,
		Lang:      c.Lang,
		Role:      role,
	}, nil
}

// IssueToken signs a token for the given identity. Used by -dev tooling
// and tests; production tokens come from the account service.
func (s *Service) IssueToken(userID int64, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}
