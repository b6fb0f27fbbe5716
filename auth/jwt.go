package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mqy/minichat/account"
)

type UserInfo struct {
	UserID string `json:"userId"`
}

// Claims is the token payload issued by the account service.
type Claims struct {
	UserInfo UserInfo `json:"userInfo"`
	jwt.RegisteredClaims
}

// JwtClient authenticates HS256 tokens and checks the user still exists.
type JwtClient struct {
	secret    []byte
	directory account.Directory
}

func NewJwtClient(secret string, directory account.Directory) *JwtClient {
	return &JwtClient{secret: []byte(secret), directory: directory}
}

func (c *JwtClient) Auth(r *http.Request) (string, error) {
	tokenStr := TokenFromRequest(r)
	if tokenStr == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}

	claims, err := c.Verify(tokenStr)
	if err != nil {
		return "", err
	}

	if _, err := c.directory.FindByID(r.Context(), claims.UserInfo.UserID); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown user %s", ErrUnauthenticated, claims.UserInfo.UserID)
		}
		return "", err
	}
	return claims.UserInfo.UserID, nil
}

// Verify checks the signature and expiry of tokenStr.
func (c *JwtClient) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserInfo.UserID == "" {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	return claims, nil
}

// SignToken issues a HS256 token for uid. No expiry is set unless ttl > 0.
func SignToken(secret, uid string, ttl time.Duration) (string, error) {
	claims := &Claims{UserInfo: UserInfo{UserID: uid}}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
