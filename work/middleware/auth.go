package middleware

import (
	"crypto/subtle"
	"net/http"

	"kptv-zap/work/logger"

	"golang.org/x/crypto/bcrypt"
)

// BasicAuth guards next with HTTP basic auth against a bcrypt password hash. An empty
// user or hash disables the check.
func BasicAuth(user, passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if user == "" || passwordHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(p)) != nil {
				logger.Warn("{middleware/auth - BasicAuth} rejected %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Basic realm="kptv-zap"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
