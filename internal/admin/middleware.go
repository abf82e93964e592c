package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ferro-labs/keygate/apierr"
	"github.com/ferro-labs/keygate/internal/logging"
)

type contextKey string

const claimsContextKey contextKey = "admin_claims"

// RoleAdmin is the only role the admin API accepts.
const RoleAdmin = "admin"

// ClaimsFromContext retrieves the verified token claims from the request context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*Claims)
	return c, ok
}

// Middleware verifies the bearer JWT on every request and stores its claims
// in the request context. Tokens without the admin role are refused.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "access token required", "authentication_error", "missing_token")
			return
		}

		claims, err := a.Verify(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			logging.FromContext(r.Context()).Debug("admin token rejected", "error", err.Error())
			writeError(w, http.StatusUnauthorized, "invalid or expired token", "authentication_error", "invalid_token")
			return
		}
		if claims.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, "admin access required", "permission_error", "insufficient_role")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeError writes a unified OpenAI-compatible JSON error response:
//
//	{"error":{"message":"...","type":"...","code":"..."}}
//
// errType and code may be empty; defaults are derived from the HTTP status.
func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	if errType == "" {
		errType = defaultErrType(status)
	}
	if code == "" {
		code = errType
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

// WriteAPIError writes err using the status, code and message apierr maps it to.
func WriteAPIError(w http.ResponseWriter, err error) {
	writeError(w, apierr.Status(err), apierr.Message(err), "", apierr.Code(err))
}

func defaultErrType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 400 && status < 500:
		return "invalid_request_error"
	default:
		return "server_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
