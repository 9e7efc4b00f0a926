package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a session token fails verification.
var ErrInvalidToken = errors.New("auth: invalid session token")

const defaultSessionTTL = 12 * time.Hour

// SessionClaims are the JWT claims carried by dashboard session tokens.
// Subject holds the caller's wallet address.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// SessionIssuer mints and verifies dashboard bearer tokens.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

// NewSessionIssuer builds a SessionIssuer. A zero ttl takes the default.
func NewSessionIssuer(secret []byte, ttl time.Duration, nowFn func() time.Time) (*SessionIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: session secret required")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &SessionIssuer{secret: secret, ttl: ttl, nowFn: nowFn}, nil
}

// Issue mints a signed session token for the given wallet address.
func (s *SessionIssuer) Issue(address string) (string, error) {
	if address == "" {
		return "", errors.New("auth: address required")
	}
	now := s.nowFn().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign session token: %w", err)
	}
	return signed, nil
}

// Verify checks a session token and returns the wallet address it was
// issued for.
func (s *SessionIssuer) Verify(tokenString string) (string, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.nowFn().UTC() }))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
