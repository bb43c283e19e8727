package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/npezzotti/chatline/internal/auth"
)

type contextKey string

const userIdKey contextKey = "user-id"

func WithUserId(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, userIdKey, userId)
}

// UserId returns the authenticated caller stored by authMiddleware.
func UserId(ctx context.Context) (string, bool) {
	userId, ok := ctx.Value(userIdKey).(string)
	return userId, ok && userId != ""
}

// errorHandler turns a panicking handler into a 500 and closes the
// connection. http.ErrAbortHandler is passed through to net/http.
func (s *ChatApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			s.log.Printf("panic: %v", err)

			w.Header().Set("Connection", "close")
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware rejects requests without a valid session token and stores
// the caller's id in the request context.
func (s *ChatApp) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userId, err := s.tokens.Verify(auth.TokenFromRequest(r))
		if err != nil {
			s.log.Printf("rejecting %s %s: %v", r.Method, r.URL.Path, err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r.WithContext(WithUserId(r.Context(), userId)))
	}
}
