package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the merchant session carried in the bearer token.
type SessionClaims struct {
	Shop string `json:"shop"`
	jwt.RegisteredClaims
}

type merchantKey string

const (
	merchantIDKey merchantKey = "merchant_id"
	sessionIssuer             = "shopimage"
)

// SignSessionToken issues an HS256 session token for shop.
func SignSessionToken(secret, shop string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(shop) == "" {
		return "", errors.New("shop is required")
	}
	now := time.Now()
	claims := SessionClaims{
		Shop: shop,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   shop,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifySessionToken parses token and checks its signature and expiry.
func VerifySessionToken(secret, token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Shop) == "" {
		return nil, errors.New("verify session: missing shop claim")
	}
	return claims, nil
}

// AuthJWT rejects requests without a valid session and stores the shop as
// the merchant id on the request context.
func AuthJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing authorization")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization")
				return
			}
			claims, err := VerifySessionToken(secret, strings.TrimSpace(parts[1]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithMerchantID(r.Context(), claims.Shop)))
		})
	}
}

func MerchantIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(merchantIDKey).(string); ok {
		return v
	}
	return ""
}

func ContextWithMerchantID(ctx context.Context, merchantID string) context.Context {
	if strings.TrimSpace(merchantID) == "" {
		return ctx
	}
	return context.WithValue(ctx, merchantIDKey, merchantID)
}

func writeError(w http.ResponseWriter, code int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, "{\"error\":%q,\"message\":%q}\n", errCode, message)
}
