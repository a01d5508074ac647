package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerifySessionToken(t *testing.T) {
	token, err := SignSessionToken("test-secret", "shop-123.myshopify.com", time.Hour)
	if err != nil {
		t.Fatalf("SignSessionToken() unexpected error: %v", err)
	}
	claims, err := VerifySessionToken("test-secret", token)
	if err != nil {
		t.Fatalf("VerifySessionToken() unexpected error: %v", err)
	}
	if claims.Shop != "shop-123.myshopify.com" || claims.Issuer != "shopimage" {
		t.Fatalf("VerifySessionToken() returned %+v", claims)
	}
}

func TestVerifySessionTokenRejects(t *testing.T) {
	valid, _ := SignSessionToken("secret-a", "shop-1", time.Hour)
	expired, _ := SignSessionToken("secret-a", "shop-1", -time.Minute)
	noShop, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("secret-a"))
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{Shop: "shop-1"}).SignedString([]byte("secret-a"))
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{
		Shop:             "shop-1",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name   string
		secret string
		token  string
	}{
		{name: "wrong secret", secret: "secret-b", token: valid},
		{name: "expired", secret: "secret-a", token: expired},
		{name: "missing shop", secret: "secret-a", token: noShop},
		{name: "missing expiry", secret: "secret-a", token: noExpiry},
		{name: "alg none", secret: "secret-a", token: unsigned},
		{name: "garbage", secret: "secret-a", token: "not.a.token"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := VerifySessionToken(tc.secret, tc.token); err == nil {
				t.Fatalf("VerifySessionToken() expected error")
			}
		})
	}
}

func TestAuthJWTStoresMerchant(t *testing.T) {
	var seen string
	handler := AuthJWT("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = MerchantIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := SignSessionToken("secret", "shop-9", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || seen != "shop-9" {
		t.Fatalf("status = %d, merchant = %q", rr.Code, seen)
	}

	for _, header := range []string{"", "Basic abc", "Bearer bogus"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/credits", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: status = %d, want 401", header, rr.Code)
		}
	}
}

func TestRequestIDPropagation(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "abc-123" || rr.Header().Get("X-Request-ID") != "abc-123" {
		t.Fatalf("request id = %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "bad id\nwith newline")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "" || seen == "bad id\nwith newline" {
		t.Fatalf("malformed request id kept: %q", seen)
	}
}
