// Package auth issues and validates the HS256 access tokens used by the HTTP
// API and the websocket gateway.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrNoSecret     = errors.New("jwt secret not configured")
	ErrNoUser       = errors.New("token carries no numeric user id")
)

// Claims 访问令牌声明
type Claims struct {
	UserID uint     `json:"user_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Subject returns the authenticated user id, falling back to a numeric sub.
func (c *Claims) Subject() (uint, error) {
	if c.UserID != 0 {
		return c.UserID, nil
	}
	if n, err := strconv.ParseUint(c.RegisteredClaims.Subject, 10, 64); err == nil && n > 0 {
		return uint(n), nil
	}
	return 0, ErrNoUser
}

// HasRole reports whether role is present.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Issue signs a token for userID. ttl <= 0 omits the exp claim.
func Issue(secret string, userID uint, roles []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatUint(uint64(userID), 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Parse validates signature and time claims of an HS256 token.
func Parse(secret, token string) (*Claims, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ParseUser validates token and returns its user id.
func ParseUser(secret, token string) (uint, *Claims, error) {
	claims, err := Parse(secret, token)
	if err != nil {
		return 0, nil, err
	}
	uid, err := claims.Subject()
	if err != nil {
		return 0, nil, err
	}
	return uid, claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return "", ErrMissingToken
	}
	tok := strings.TrimSpace(header[len("Bearer "):])
	if tok == "" {
		return "", ErrMissingToken
	}
	return tok, nil
}

// Decode returns header and payload without verifying the signature.
func Decode(token string) (map[string]interface{}, jwt.MapClaims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, nil, fmt.Errorf("decode token: %w", err)
	}
	claims, _ := parsed.Claims.(jwt.MapClaims)
	return parsed.Header, claims, nil
}
