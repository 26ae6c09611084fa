// package mux aggregates service handlers onto one ServeMux with the
// CORS and security headers every response carries.
package mux

import (
	"net/http"

	"github.com/rs/cors"
)

type Mux struct {
	*http.ServeMux
	handler http.Handler
}

func New() *Mux {
	m := &Mux{ServeMux: http.NewServeMux()}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "If-None-Match", "Prefer", "Last-Event-Id"},
		ExposedHeaders: []string{
			"Content-Location",
			"Last-Event-ID",
			"Link",
			"Location",
			"Preference-Applied",
			"Profile",
			"WWW-Authenticate",
		},
	})
	m.handler = c.Handler(secure(m.ServeMux))

	return m
}

func (m *Mux) Add(fns ...interface{ RegisterHTTP(*http.ServeMux) }) {
	for _, fn := range fns {
		fn.RegisterHTTP(m.ServeMux)
	}
}

func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.handler.ServeHTTP(w, r)
}

func secure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Content-Security-Policy", "upgrade-insecure-requests; default-src https:")
		h.Set("X-Content-Type-Options", "nosniff")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000")
		}
		next.ServeHTTP(w, r)
	})
}
