package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// OperatorHeader names the operator acting through a shared bearer token.
const OperatorHeader = "X-Operator"

// AuthConfig configures bearer token and mTLS authentication options.
type AuthConfig struct {
	BearerToken string
	AllowMTLS   bool
}

// Authenticator verifies admin requests before they reach handlers.
type Authenticator struct {
	bearerToken []byte
	allowMTLS   bool
}

// Principal describes an authenticated operator.
type Principal struct {
	Method string
	// Subject is the operator name recorded in the swap audit trail.
	Subject string
}

type principalContextKey struct{}

// PrincipalFromContext extracts the authenticated principal from the request context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || principal == nil {
		return nil, false
	}
	return principal, true
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	if token == "" && !cfg.AllowMTLS {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	auth := &Authenticator{allowMTLS: cfg.AllowMTLS}
	if token != "" {
		auth.bearerToken = []byte(token)
	}
	return auth, nil
}

// Middleware enforces authentication for admin endpoints.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		principal, ok := a.authenticate(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="swapd"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Principal, bool) {
	if a == nil || r == nil {
		return nil, false
	}
	if principal := a.authenticateByBearer(r); principal != nil {
		return principal, true
	}
	if principal := a.authenticateByMTLS(r); principal != nil {
		return principal, true
	}
	return nil, false
}

func (a *Authenticator) authenticateByBearer(r *http.Request) *Principal {
	if len(a.bearerToken) == 0 {
		return nil
	}
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" || subtle.ConstantTimeCompare([]byte(token), a.bearerToken) != 1 {
		return nil
	}
	subject := strings.TrimSpace(r.Header.Get(OperatorHeader))
	if subject == "" {
		subject = "admin"
	}
	return &Principal{Method: "bearer", Subject: subject}
}

func (a *Authenticator) authenticateByMTLS(r *http.Request) *Principal {
	if !a.allowMTLS || r.TLS == nil {
		return nil
	}
	state := r.TLS
	if len(state.VerifiedChains) == 0 && !(len(state.PeerCertificates) > 0 && state.HandshakeComplete) {
		return nil
	}
	subject := "mtls"
	if len(state.PeerCertificates) > 0 {
		if cn := strings.TrimSpace(state.PeerCertificates[0].Subject.CommonName); cn != "" {
			subject = cn
		}
	}
	return &Principal{Method: "mtls", Subject: subject}
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(strings.TrimSpace(scheme), "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
