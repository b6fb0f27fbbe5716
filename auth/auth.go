package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("auth: unauthenticated")

type Client interface {
	// Auth authenticate current user, return uid.
	Auth(r *http.Request) (string, error)
}

// TokenFromRequest looks up the token in the `token` query parameter, then the
// `Authorization: Bearer` header, then the `token` cookie.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}
