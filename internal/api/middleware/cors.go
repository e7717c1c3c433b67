package middleware

import (
	"net/http"
	"strings"
)

// defaultOrigins - локальные адреса, разрешённые всегда
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://localhost:8080",
	"http://127.0.0.1:8080",
}

// CORS - middleware для настройки Cross-Origin Resource Sharing
//
// origins - дополнительные разрешённые домены через запятую (CORS_ALLOWED_ORIGINS).
// Для неразрешённых origins заголовки не выставляются, браузер заблокирует ответ.
func CORS(origins string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(defaultOrigins))
	for _, origin := range defaultOrigins {
		allowed[origin] = true
	}
	for _, origin := range strings.Split(origins, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowed[origin] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 часа кеширования preflight

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
