package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func mintHS256(t *testing.T, secret string, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + payload + "." + sig
}

func TestMiddlewareOffModeIsAnonymous(t *testing.T) {
	t.Parallel()
	var got Principal
	handler := Middleware("off", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(204)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != 204 {
		t.Fatalf("off mode must pass through, got %d", rec.Code)
	}
	if got.Subject != "anonymous" {
		t.Fatalf("unexpected principal: %+v", got)
	}
}

func TestMiddlewareHS256(t *testing.T) {
	t.Parallel()
	secret := "shh"
	var got Principal
	handler := Middleware("hs256", secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(204)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("missing bearer must 401, got %d", rec.Code)
	}

	token := mintHS256(t, secret, map[string]any{
		"sub":   "release-bot",
		"roles": []string{"release_manager"},
		"org":   "org-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 204 {
		t.Fatalf("valid token must pass, got %d", rec.Code)
	}
	if got.Subject != "release-bot" || got.OrgID != "org-1" || !HasAnyRole(got, "release_manager") {
		t.Fatalf("unexpected principal: %+v", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+mintHS256(t, "wrong-secret", map[string]any{
		"sub": "x", "exp": time.Now().Add(time.Hour).Unix(),
	}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("bad signature must 401, got %d", rec.Code)
	}
}

func TestVerifyHS256TokenClaims(t *testing.T) {
	t.Parallel()
	secret := "shh"
	now := time.Now().UTC()

	cases := []struct {
		name   string
		claims map[string]any
		ok     bool
	}{
		{"valid", map[string]any{"sub": "a", "exp": now.Add(time.Hour).Unix()}, true},
		{"expired", map[string]any{"sub": "a", "exp": now.Add(-time.Hour).Unix()}, false},
		{"not yet active", map[string]any{"sub": "a", "exp": now.Add(time.Hour).Unix(), "nbf": now.Add(time.Minute).Unix()}, false},
		{"missing subject", map[string]any{"exp": now.Add(time.Hour).Unix()}, false},
		{"single role string", map[string]any{"sub": "a", "roles": "auditor", "exp": now.Add(time.Hour).Unix()}, true},
	}
	for _, tc := range cases {
		token := mintHS256(t, secret, tc.claims)
		claims, err := VerifyHS256Token(token, secret, now, "", "")
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if tc.name == "single role string" && !HasAnyRole(Principal{Subject: claims.Sub, Roles: claims.Roles, OrgID: claims.Org}, "auditor") {
			t.Fatalf("single role string must decode, got %+v", claims)
		}
	}
}

func TestVerifyHS256IssuerAndAudience(t *testing.T) {
	t.Parallel()
	secret := "shh"
	now := time.Now().UTC()
	token := mintHS256(t, secret, map[string]any{
		"sub": "a",
		"iss": "https://idp.example",
		"aud": []string{"ladder-api"},
		"exp": now.Add(time.Hour).Unix(),
	})

	if _, err := VerifyHS256Token(token, secret, now, "https://idp.example", "ladder-api"); err != nil {
		t.Fatalf("matching issuer and audience must pass: %v", err)
	}
	if _, err := VerifyHS256Token(token, secret, now, "https://other.example", ""); err == nil {
		t.Fatal("issuer mismatch must fail")
	}
	if _, err := VerifyHS256Token(token, secret, now, "", "other-api"); err == nil {
		t.Fatal("audience mismatch must fail")
	}
}

func TestHasAnyRole(t *testing.T) {
	t.Parallel()
	p := Principal{Roles: []string{"Release_Manager", "auditor"}}
	if !HasAnyRole(p) {
		t.Fatal("empty requirement matches everyone")
	}
	if !HasAnyRole(p, "release_manager") {
		t.Fatal("role match is case-insensitive")
	}
	if HasAnyRole(p, "admin") {
		t.Fatal("unlisted role must not match")
	}
}
