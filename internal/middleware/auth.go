// Package middleware provides HTTP middleware for the admin surface
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled     bool
	APIKeys     []string
	HeaderName  string   // Header to check for API key (default: X-API-Key)
	BypassPaths []string // Paths that don't require auth (e.g., /health, /metrics)
}

// DefaultAuthConfig returns auth configuration for the comma separated keys.
// Auth is disabled when keys is empty.
func DefaultAuthConfig(keys string) *AuthConfig {
	parsed := ParseAPIKeys(keys)
	return &AuthConfig{
		Enabled:     len(parsed) > 0,
		APIKeys:     parsed,
		HeaderName:  "X-API-Key",
		BypassPaths: []string{"/health", "/metrics"},
	}
}

// ParseAPIKeys splits "key1,key2" into its non-empty keys
func ParseAPIKeys(value string) []string {
	var keys []string
	for _, k := range strings.Split(value, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Auth provides API key authentication middleware
type Auth struct {
	config *AuthConfig
	mu     sync.RWMutex
}

// NewAuth creates a new Auth middleware
func NewAuth(config *AuthConfig) *Auth {
	if config == nil {
		config = DefaultAuthConfig("")
	}
	if config.HeaderName == "" {
		config.HeaderName = "X-API-Key"
	}
	return &Auth{config: config}
}

// Middleware returns the authentication middleware handler
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.RLock()
		config := a.config
		a.mu.RUnlock()

		if !config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		for _, path := range config.BypassPaths {
			if strings.HasPrefix(r.URL.Path, path) {
				next.ServeHTTP(w, r)
				return
			}
		}

		apiKey := r.Header.Get(config.HeaderName)
		if apiKey == "" {
			// Also check Authorization header with Bearer scheme
			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				apiKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if apiKey == "" {
			http.Error(w, `{"error":"missing API key"}`, http.StatusUnauthorized)
			return
		}
		if !a.validateKey(apiKey) {
			logger.Log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("Rejected admin request with invalid API key")
			http.Error(w, `{"error":"invalid API key"}`, http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *Auth) validateKey(key string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	valid := false
	for _, k := range a.config.APIKeys {
		// Constant time, and no early exit
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			valid = true
		}
	}
	return valid
}

// SetEnabled enables or disables authentication
func (a *Auth) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.config.Enabled = enabled
}

// IsEnabled returns whether authentication is enabled
func (a *Auth) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.config.Enabled
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging logs every request at debug level with its status and latency
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Msg("Admin request")
	})
}
