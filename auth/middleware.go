package auth

import (
	"encoding/json"
	"net/http"
)

// Middleware authorizes each request with o. On failure it writes a 401
// with FailureMessage and does not call next.
func Middleware(o *Orchestrator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := o.Authorize(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="taskmesh"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  FailureMessage,
		"status": http.StatusUnauthorized,
	})
}
