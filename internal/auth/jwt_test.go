package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	tok, err := Issue("s3cret", 42, []string{"provider"}, time.Hour)
	require.NoError(t, err)

	uid, claims, err := ParseUser("s3cret", tok)
	require.NoError(t, err)
	assert.Equal(t, uint(42), uid)
	assert.True(t, claims.HasRole("provider"))
	assert.False(t, claims.HasRole("admin"))
}

func TestParse_Rejects(t *testing.T) {
	good, err := Issue("s3cret", 1, nil, time.Hour)
	require.NoError(t, err)
	noExp, err := Issue("s3cret", 1, nil, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{"wrong secret", "other", good},
		{"garbage", "s3cret", "not.a.jwt"},
		{"empty", "s3cret", ""},
		{"no secret", "", good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.secret, tt.token)
			assert.Error(t, err)
		})
	}

	// ttl <= 0 omits exp, so a negative ttl still parses
	_, err = Parse("s3cret", noExp)
	assert.NoError(t, err)
}

func TestParse_Expired(t *testing.T) {
	claims := Claims{UserID: 3, RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = Parse("k", tok)
	assert.True(t, errors.Is(err, jwt.ErrTokenExpired))
}

func TestSubject_FallsBackToSub(t *testing.T) {
	c := &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "17"}}
	uid, err := c.Subject()
	require.NoError(t, err)
	assert.Equal(t, uint(17), uid)

	c = &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}
	_, err = c.Subject()
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = BearerToken("Basic abc")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = BearerToken("bearer   ")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestDecode(t *testing.T) {
	tok, err := Issue("s3cret", 9, []string{"client"}, time.Minute)
	require.NoError(t, err)

	header, payload, err := Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, "HS256", header["alg"])
	assert.EqualValues(t, 9, payload["user_id"])
}
