package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type callbackContextKey string

const callbackIssuerKey callbackContextKey = "callback_issuer"

// callbackTokenTTL is the lifetime of tokens minted by GenerateCallbackToken.
const callbackTokenTTL = 5 * time.Minute

// CallbackClaims are the claims the calling platform signs into the bearer
// token attached to each callback.
type CallbackClaims struct {
	jwt.RegisteredClaims
}

// GenerateCallbackToken signs an HS256 token as the platform would. Used by
// the callback simulator and tests.
func GenerateCallbackToken(secret []byte, issuer, audience string) (string, error) {
	now := time.Now()
	claims := CallbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(callbackTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// RequireCallbackAuth returns middleware that verifies the HS256 bearer token
// on platform callbacks. audience, when non-empty, must appear in the token.
func RequireCallbackAuth(secret []byte, audience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &CallbackClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("callback auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if audience != "" && !claims.VerifyAudience(audience, true) {
				writeAuthError(w, http.StatusUnauthorized, "invalid token audience")
				return
			}

			ctx := context.WithValue(r.Context(), callbackIssuerKey, claims.Issuer)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallbackIssuerFromContext returns the verified token issuer, or "".
func CallbackIssuerFromContext(ctx context.Context) string {
	iss, _ := ctx.Value(callbackIssuerKey).(string)
	return iss
}

type authEnvelope struct {
	Error string `json:"error,omitempty"`
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(authEnvelope{Error: msg}) //nolint:errcheck
}
