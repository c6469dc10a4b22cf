package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"talkd/pkg/config"
	"talkd/pkg/logger"
	"talkd/pkg/utils"
)

// Role represents the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

// SecConfig mirrors the security-related configuration used to drive
// authentication, CORS and rate limiting behavior.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

type ctxUserKey struct{}

// VerifyUserSignature checks an HMAC-SHA256 signature over the user id
// against every configured signing secret. Shared by the HTTP middleware
// and the websocket auth frame.
func VerifyUserSignature(userID, sig string) bool {
	for k := range config.GetSigningKeys() {
		mac := hmac.New(sha256.New, []byte(k))
		mac.Write([]byte(userID))
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return true
		}
	}
	return false
}

// RequireSignedUser verifies HMAC signature headers and injects the
// verified user id into the request context. Backend and admin callers may
// skip the signature and assert a user via X-User-ID directly.
func RequireSignedUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := r.Header.Get("X-Role-Name")
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		sig := strings.TrimSpace(r.Header.Get("X-User-Signature"))

		if role == "backend" || role == "admin" {
			if sig == "" {
				if userID != "" {
					r = r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, userID))
				}
				next.ServeHTTP(w, r)
				return
			}
			// signature present, verify it like any other caller
		}

		if sig == "" || userID == "" {
			logger.Warn("missing_signature_headers", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "missing signature headers")
			return
		}
		if len(config.GetSigningKeys()) == 0 {
			logger.Error("no_signing_keys_configured")
			utils.JSONError(w, http.StatusInternalServerError, "server misconfigured: no signing secrets available")
			return
		}
		if !VerifyUserSignature(userID, sig) {
			logger.Warn("invalid_signature", "user", userID)
			utils.JSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserKey{}, userID)))
	})
}

// UserIDFromContext returns the verified user id or empty string.
func UserIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(ctxUserKey{}).(string); ok {
		return s
	}
	return ""
}
