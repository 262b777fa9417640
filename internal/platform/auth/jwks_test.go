package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func rsaPublicKeyToJWK(key *rsa.PrivateKey, kid string) JWKSKey {
	return JWKSKey{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return key
}

// jwksServer serves whatever keys currently holds and counts fetches.
func jwksServer(t *testing.T, keys *atomic.Value, fetches *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JWKSResponse{Keys: keys.Load().([]JWKSKey)})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJWKSCache_FetchAndCache(t *testing.T) {
	key := generateKey(t)
	var keys atomic.Value
	keys.Store([]JWKSKey{rsaPublicKeyToJWK(key, "k1"), {Kty: "EC", Kid: "ec-1"}})
	var fetches atomic.Int32
	srv := jwksServer(t, &keys, &fetches)

	cache := NewJWKSCache(srv.URL, time.Minute)
	got, err := cache.GetKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.N.Cmp(key.N) != 0 || got.E != key.E {
		t.Error("fetched key does not match")
	}
	if _, err := cache.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetches.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", fetches.Load())
	}
	if _, err := cache.GetKey(context.Background(), "ec-1"); err == nil {
		t.Error("expected non-RSA key to be ignored")
	}
}

func TestJWKSCache_KeyRotation(t *testing.T) {
	oldKey, newKey := generateKey(t), generateKey(t)
	var keys atomic.Value
	keys.Store([]JWKSKey{rsaPublicKeyToJWK(oldKey, "old")})
	var fetches atomic.Int32
	srv := jwksServer(t, &keys, &fetches)

	cache := NewJWKSCache(srv.URL, time.Hour)
	if _, err := cache.GetKey(context.Background(), "old"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	keys.Store([]JWKSKey{rsaPublicKeyToJWK(newKey, "new")})
	got, err := cache.GetKey(context.Background(), "new")
	if err != nil {
		t.Fatalf("expected unknown kid to trigger a refetch: %v", err)
	}
	if got.N.Cmp(newKey.N) != 0 {
		t.Error("expected the rotated key")
	}
	if fetches.Load() != 2 {
		t.Errorf("expected 2 fetches, got %d", fetches.Load())
	}
}

func TestJWKSCache_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewJWKSCache(srv.URL, 0).GetKey(context.Background(), "k1"); err == nil {
		t.Fatal("expected error when the JWKS endpoint fails")
	}
}

func TestParseRSAPublicKey_Invalid(t *testing.T) {
	tests := []JWKSKey{
		{Kty: "RSA", N: "!!!", E: "AQAB"},
		{Kty: "RSA", N: "AQAB", E: "!!!"},
		{Kty: "RSA", N: "", E: "AQAB"},
	}
	for _, k := range tests {
		if _, err := parseRSAPublicKey(k); err == nil {
			t.Errorf("expected error for %+v", k)
		}
	}
}

func TestDiscoverJWKSURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/good/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]string{"issuer": "x", "jwks_uri": "https://idp.example.com/jwks"})
		case "/empty/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]string{"issuer": "x"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	url, err := DiscoverJWKSURL(context.Background(), srv.URL+"/good/")
	if err != nil || url != "https://idp.example.com/jwks" {
		t.Errorf("got %q, %v", url, err)
	}
	if _, err := DiscoverJWKSURL(context.Background(), srv.URL+"/empty"); err == nil {
		t.Error("expected error for missing jwks_uri")
	}
	if _, err := DiscoverJWKSURL(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestJWTMiddleware_RS256ViaDiscovery(t *testing.T) {
	key := generateKey(t)
	var keys atomic.Value
	keys.Store([]JWKSKey{rsaPublicKeyToJWK(key, "k1")})
	var fetches atomic.Int32
	jwks := jwksServer(t, &keys, &fetches)

	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"jwks_uri": jwks.URL})
	}))
	defer idp.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    idp.URL,
			Subject:   "nurse-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "acme",
		Roles:    []string{"nurse"},
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mw := JWTMiddleware(JWTConfig{Issuer: idp.URL})
	for i := 0; i < 2; i++ {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		c := e.NewContext(req, httptest.NewRecorder())

		err := mw(func(c echo.Context) error {
			if uid := UserIDFromContext(c.Request().Context()); uid != "nurse-7" {
				t.Errorf("expected nurse-7, got %s", uid)
			}
			if tid, _ := c.Get("jwt_tenant_id").(string); tid != "acme" {
				t.Errorf("expected tenant acme, got %s", tid)
			}
			return nil
		})(c)
		if err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
	if fetches.Load() != 1 {
		t.Errorf("expected the JWKS cache to be shared across requests, got %d fetches", fetches.Load())
	}
}
