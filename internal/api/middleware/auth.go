package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"coinarb/pkg/crypto"
)

// Auth - middleware bearer-аутентификации операторского API
//
// Токен из заголовка Authorization: Bearer <token> сверяется с bcrypt-хешем
// (API_TOKEN_HASH). Для /ws/stream браузер не может выставить заголовок,
// поэтому принимается и ?token=<token>.
// Пустой хеш отключает проверку.
//
// Успешно проверенные токены запоминаются по sha256, чтобы не платить
// за bcrypt на каждом запросе.
func Auth(tokenHash string) func(http.Handler) http.Handler {
	verifier := &tokenVerifier{hash: tokenHash, verified: make(map[[32]byte]struct{})}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="coinarb"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !verifier.verify(token) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type tokenVerifier struct {
	hash     string
	mu       sync.RWMutex
	verified map[[32]byte]struct{}
}

func (v *tokenVerifier) verify(token string) bool {
	sum := sha256.Sum256([]byte(token))

	v.mu.RLock()
	_, ok := v.verified[sum]
	v.mu.RUnlock()
	if ok {
		return true
	}

	if err := crypto.VerifyToken(token, v.hash); err != nil {
		return false
	}

	v.mu.Lock()
	v.verified[sum] = struct{}{}
	v.mu.Unlock()
	return true
}
