package httpserver

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/BrownNPC/VoiceRelay/internal/config"
)

// corsMiddleware answers cross-origin requests from the configured origins
// for the configured methods. Requests without an Origin header pass through.
func corsMiddleware(cfg config.Config) Middleware {
	methods := strings.Join(cfg.AllowedMethods, ", ")
	wildcard := slices.Contains(cfg.AllowedOrigins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			// "*" also admits opaque origins such as "null".
			if wildcard {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				u, err := url.Parse(origin)
				if err != nil || u.Host == "" || !cfg.OriginAllowed(u.Host) {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
					w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
				}
				w.Header().Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if !slices.Contains(cfg.AllowedMethods, r.Method) {
				http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
