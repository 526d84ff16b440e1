package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

const operatorKey contextKey = "operator"

// tokenIssuer is the issuer claim of operator tokens.
const tokenIssuer = "agigate"

// DefaultTokenTTL is the lifetime of an operator token.
const DefaultTokenTTL = 30 * 24 * time.Hour

// OperatorClaims holds the JWT claims for control API clients.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// GenerateToken creates a signed JWT for the named operator.
func GenerateToken(secret []byte, operator string, ttl time.Duration) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
			Subject:   operator,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RequireToken returns middleware that validates operator bearer tokens. On
// success it stores the operator name in the request context.
func RequireToken(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			scheme, tokenString, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &OperatorClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				logger.Debug("api auth: invalid jwt", "error", err)
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.Subject == "" || claims.Issuer != tokenIssuer {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the authenticated operator, or "".
func OperatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey).(string)
	return op
}
