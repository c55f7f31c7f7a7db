package middleware

import (
	"crypto/subtle"
	"net/http"
)

// AdminTokenHeader содержит токен администратора.
const AdminTokenHeader = "X-Admin-Token"

// AdminOnly пропускает только запросы с верным токеном администратора.
// С пустым token административные маршруты отключены.
func AdminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.NotFound(w, r)
				return
			}

			got := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
