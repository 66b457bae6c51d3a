package shield

import "net/http"

// HeaderConfig defines the headers applied to every response.
type HeaderConfig struct {
	XContentTypeOptions string
	CacheControl        string
	ReferrerPolicy      string
}

// DefaultHeaders returns the header configuration for a local JSON API.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		XContentTypeOptions: "nosniff",
		CacheControl:        "no-store",
		ReferrerPolicy:      "no-referrer",
	}
}

// SecurityHeaders returns middleware that sets the configured headers
// on every response.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.XContentTypeOptions != "" {
				w.Header().Set("X-Content-Type-Options", cfg.XContentTypeOptions)
			}
			if cfg.CacheControl != "" {
				w.Header().Set("Cache-Control", cfg.CacheControl)
			}
			if cfg.ReferrerPolicy != "" {
				w.Header().Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			next.ServeHTTP(w, r)
		})
	}
}
