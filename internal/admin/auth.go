package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ferro-labs/keygate/internal/logging"
	"github.com/ferro-labs/keygate/internal/metrics"
	"github.com/ferro-labs/keygate/internal/ratelimit"
)

const tokenIssuer = "keygate"

// Claims are carried by admin tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 admin tokens.
type Authenticator struct {
	password string
	secret   []byte
	ttl      time.Duration
	logins   *ratelimit.Store
	now      func() time.Time
}

// NewAuthenticator creates an Authenticator. An empty password disables
// login; loginsPerMinute <= 0 disables login throttling.
func NewAuthenticator(password, secret string, ttl time.Duration, loginsPerMinute int) *Authenticator {
	return &Authenticator{
		password: password,
		secret:   []byte(secret),
		ttl:      ttl,
		logins:   ratelimit.NewStore(float64(loginsPerMinute)/60, loginsPerMinute),
		now:      time.Now,
	}
}

// IssueToken signs a token for role valid for the configured TTL.
func (a *Authenticator) IssueToken(role string) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	now := a.now()
	exp := now.Add(a.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   role,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses and validates a signed token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Login exchanges the admin password for a token.
func (a *Authenticator) Login(w http.ResponseWriter, r *http.Request) {
	if !a.logins.Allow(clientIP(r)) {
		metrics.RateLimitRejections.WithLabelValues("login").Inc()
		writeError(w, http.StatusTooManyRequests, "too many login attempts", "rate_limit_error", "rate_limited")
		return
	}
	if a.password == "" || len(a.secret) == 0 {
		writeError(w, http.StatusServiceUnavailable, "admin login is not configured", "server_error", "not_configured")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error", "invalid_request")
		return
	}
	if subtle.ConstantTimeCompare([]byte(body.Password), []byte(a.password)) != 1 {
		logging.FromContext(r.Context()).Warn("admin login failed", "client_ip", clientIP(r))
		writeError(w, http.StatusUnauthorized, "invalid password", "authentication_error", "invalid_password")
		return
	}

	token, exp, err := a.IssueToken(RoleAdmin)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not issue token", "server_error", "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": exp.UTC(),
		"user":       map[string]string{"id": RoleAdmin, "role": RoleAdmin},
	})
}

// clientIP uses the connection address. chi's RealIP middleware, when
// installed, has already rewritten it from proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
