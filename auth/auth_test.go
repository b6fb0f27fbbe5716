package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/account"
)

const secret = "test-secret"

func newClient() *JwtClient {
	return NewJwtClient(secret, account.NewMemoryDirectory(&account.Profile{ID: "u1", Name: "alice"}))
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	r.AddCookie(&http.Cookie{Name: "token", Value: "c"})
	assert.Equal(t, "q", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "bearer h")
	r.AddCookie(&http.Cookie{Name: "token", Value: "c"})
	assert.Equal(t, "h", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "token", Value: "c"})
	assert.Equal(t, "c", TokenFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "", TokenFromRequest(r))
}

func TestJwtClientAuth(t *testing.T) {
	c := newClient()

	token, err := SignToken(secret, "u1", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	uid, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
}

func TestJwtClientRejects(t *testing.T) {
	c := newClient()

	claims := &Claims{UserInfo: UserInfo{UserID: "u1"}}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	wrongKey, err := SignToken("other", "u1", time.Hour)
	require.NoError(t, err)

	unknown, err := SignToken(secret, "u2", time.Hour)
	require.NoError(t, err)

	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"foo": "bar"}).SignedString([]byte(secret))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"missing":   "",
		"garbage":   "not-a-jwt",
		"expired":   expired,
		"wrong key": wrongKey,
		"unknown":   unknown,
		"no user":   noUser,
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if token != "" {
				r.Header.Set("Authorization", "Bearer "+token)
			}
			_, err := c.Auth(r)
			assert.True(t, errors.Is(err, ErrUnauthenticated), "err: %v", err)
		})
	}
}

func TestMockClient(t *testing.T) {
	c := &MockClient{}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := c.Auth(r)
	assert.True(t, errors.Is(err, ErrUnauthenticated))

	r.AddCookie(&http.Cookie{Name: "x-uid", Value: "u9"})
	uid, err := c.Auth(r)
	require.NoError(t, err)
	assert.Equal(t, "u9", uid)
}
