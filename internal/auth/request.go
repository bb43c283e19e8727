package auth

import (
	"net/http"
	"strings"
	"time"
)

const (
	CookieName = "token"
	QueryParam = "token"
)

// TokenFromRequest extracts a credential from the Authorization header, the
// token cookie or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}

	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}

	return r.URL.Query().Get(QueryParam)
}

func NewCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// ExpiredCookie instructs the browser to drop the token cookie.
func ExpiredCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}
