package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/reposync/reposync/internal/logging"
	"github.com/reposync/reposync/internal/metrics"
)

// Auth validates bearer tokens issued to API clients such as the chat front
// end: HS256 tokens signed with the shared secret, and ID tokens from an
// OIDC issuer when one is configured. A nil *Auth lets every request
// through.
type Auth struct {
	secret []byte
	oidc   *oidc.IDTokenVerifier
}

// OIDCConfig configures ID token verification.
type OIDCConfig struct {
	IssuerURL string // e.g. https://keycloak.example.com/realms/reposync
	ClientID  string
}

// NewOIDCVerifier discovers the issuer and returns a verifier for its ID
// tokens. Returns nil if IssuerURL is empty (OIDC disabled).
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*oidc.IDTokenVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}
	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))
	return provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), nil
}

// NewAuth returns nil when neither a secret nor a verifier is given, which
// disables authentication.
func NewAuth(secret string, verifier *oidc.IDTokenVerifier) *Auth {
	if secret == "" && verifier == nil {
		return nil
	}
	a := &Auth{oidc: verifier}
	if secret != "" {
		a.secret = []byte(secret)
	}
	return a
}

// IssueToken signs a token for subject, valid for ttl.
func (a *Auth) IssueToken(subject string, ttl time.Duration) (string, error) {
	if a == nil || a.secret == nil {
		return "", errors.New("no signing secret configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "reposync",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Protect wraps a handler with token validation.
func (a *Auth) Protect(next http.HandlerFunc) http.HandlerFunc {
	if a == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendMessage(w, http.StatusUnauthorized, "missing authentication token")
			return
		}
		subject, err := a.validate(r.Context(), tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendMessage(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		metrics.RecordAuthAttempt(true)
		logging.WithContext(r.Context()).Debug("authenticated", zap.String("subject", subject))
		next(w, r)
	}
}

// validate tries the shared secret first, then the OIDC issuer.
func (a *Auth) validate(ctx context.Context, tokenStr string) (string, error) {
	var errList []error
	if a.secret != nil {
		claims, err := a.validateToken(tokenStr)
		if err == nil {
			return claims.Subject, nil
		}
		errList = append(errList, err)
	}
	if a.oidc != nil {
		idToken, err := a.oidc.Verify(ctx, tokenStr)
		if err == nil {
			return idToken.Subject, nil
		}
		errList = append(errList, err)
	}
	return "", errors.Join(errList...)
}

func (a *Auth) validateToken(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
