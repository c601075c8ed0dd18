package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/JonMunkholm/pendampingan/internal/config"
	"github.com/JonMunkholm/pendampingan/internal/core"
	"github.com/JonMunkholm/pendampingan/internal/logging"
)

// Scope is what an API key may do.
type Scope int

const (
	ScopeNone Scope = iota
	// ScopeRead covers status, progress streams, results and report downloads.
	ScopeRead
	// ScopeWrite also covers dataset uploads, imports, validation and cancel.
	ScopeWrite
)

var (
	msgMissingKey = core.UserMessage{Message: "Missing API key", Action: "Send the key in the X-API-Key header", Code: "AUTH001"}
	msgInvalidKey = core.UserMessage{Message: "Invalid API key", Action: "Check the configured API keys", Code: "AUTH002"}
	msgReadOnly   = core.UserMessage{Message: "This API key is read-only", Action: "Use a key from API_KEYS to change datasets or start runs", Code: "AUTH003"}
)

// APIKeyAuth checks the X-API-Key header, or an Authorization bearer token,
// against the configured keys. Read-only keys pass safe methods only.
// Nothing is checked when RequireAPIKey is off.
func APIKeyAuth(cfg *config.SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.RequireAPIKey {
				next.ServeHTTP(w, r)
				return
			}

			logger := logging.WithFields(r.Context(), "path", r.URL.Path, "method", r.Method, "remote_addr", r.RemoteAddr)

			key := requestKey(r)
			if key == "" {
				logger.Warn("auth: missing API key")
				deny(w, msgMissingKey, http.StatusUnauthorized)
				return
			}

			scope := scopeOf(key, cfg)
			fp := Fingerprint(key)
			switch {
			case scope == ScopeNone:
				logger.Warn("auth: invalid API key", "api_key", fp)
				deny(w, msgInvalidKey, http.StatusForbidden)
				return
			case scope < ScopeWrite && !isSafeMethod(r.Method):
				logger.Warn("auth: read-only API key on write route", "api_key", fp)
				deny(w, msgReadOnly, http.StatusForbidden)
				return
			}

			Annotate(r.Context(), "api_key", fp)
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// scopeOf compares key with every configured key in constant time.
func scopeOf(key string, cfg *config.SecurityConfig) Scope {
	write := matchAny(key, cfg.APIKeys)
	read := matchAny(key, cfg.ReadOnlyAPIKeys)
	switch {
	case write:
		return ScopeWrite
	case read:
		return ScopeRead
	}
	return ScopeNone
}

func matchAny(key string, keys []string) bool {
	valid := 0
	for _, k := range keys {
		valid |= subtle.ConstantTimeCompare([]byte(key), []byte(k))
	}
	return valid == 1
}

func isSafeMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// Fingerprint identifies a key in logs without revealing it.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}

func deny(w http.ResponseWriter, msg core.UserMessage, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   msg.Message,
		"message": msg.Message,
		"action":  msg.Action,
		"code":    msg.Code,
	})
}
