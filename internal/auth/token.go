// Package auth issues and validates the JWT access tokens and the rotating
// refresh tokens of the API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/oncall/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "oncall"

// Claims is the set of custom claims stored inside an access token.
type Claims struct {
	UserID         string   `json:"uid"`
	Username       string   `json:"username"`
	Roles          []string `json:"roles"`
	OrganizationID string   `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and parses access tokens with an HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an Issuer whose tokens expire after ttl.
func NewIssuer(secret string, ttl time.Duration, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: now}
}

// Issue creates and signs an access token for u.
func (i *Issuer) Issue(u *model.User) (string, error) {
	now := i.now()
	claims := Claims{
		UserID:   u.ID,
		Username: u.DisplayName(),
		Roles:    []string(u.Roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			Issuer:    issuer,
		},
	}
	if u.OrganizationID != nil {
		claims.OrganizationID = *u.OrganizationID
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Parse validates the token string and returns its Claims. Expired tokens,
// tokens of another issuer and tokens signed with a different key fail.
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
