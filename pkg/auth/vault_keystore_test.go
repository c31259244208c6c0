package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestVaultTransitKeyStoreGetKey(t *testing.T) {
	t.Parallel()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := base64.StdEncoding.EncodeToString(pub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "tok" {
			w.WriteHeader(403)
			return
		}
		if !strings.HasSuffix(r.URL.Path, "/keys/ladder-k1") {
			w.WriteHeader(404)
			return
		}
		fmt.Fprintf(w, `{"data":{"latest_version":2,"keys":{"1":{"public_key":"stale"},"2":{"public_key":"ed25519:%s"}}}}`, encoded)
	}))
	defer srv.Close()

	store := VaultTransitKeyStore{
		Addr:      srv.URL,
		Token:     "tok",
		KeyPrefix: "ladder-",
	}
	rec, err := store.GetKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if rec.Status != "active" || rec.KeyID != "k1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !ed25519.PublicKey(rec.PublicKey).Equal(pub) {
		t.Fatal("public key mismatch")
	}

	if _, err := store.GetKey(context.Background(), "missing"); err == nil {
		t.Fatal("unknown key must error")
	}
}

func TestVaultTransitKeyStoreValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if _, err := (VaultTransitKeyStore{Token: "tok"}).GetKey(ctx, "k1"); err == nil {
		t.Fatal("missing addr must error")
	}
	if _, err := (VaultTransitKeyStore{Addr: "http://vault"}).GetKey(ctx, "k1"); err == nil {
		t.Fatal("missing token must error")
	}
	if _, err := (VaultTransitKeyStore{Addr: "http://vault", Token: "tok"}).GetKey(ctx, ""); err == nil {
		t.Fatal("missing key id must error")
	}
}

func TestParseVaultTransitPublicKey(t *testing.T) {
	t.Parallel()
	if _, err := parseVaultTransitPublicKey([]byte("not json")); err == nil {
		t.Fatal("invalid json must error")
	}
	if _, err := parseVaultTransitPublicKey([]byte(`{"data":{"keys":{}}}`)); err == nil {
		t.Fatal("empty key set must error")
	}
	if _, err := parseVaultTransitPublicKey([]byte(`{"data":{"latest_version":1,"keys":{"1":{"public_key":""}}}}`)); err == nil {
		t.Fatal("empty public key must error")
	}

	// Missing latest_version falls back to the highest numeric version.
	pub := base64.StdEncoding.EncodeToString([]byte(strings.Repeat("x", 32)))
	raw := fmt.Sprintf(`{"data":{"keys":{"1":{"public_key":"old"},"3":{"public_key":"%s"}}}}`, pub)
	got, err := parseVaultTransitPublicKey([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(got) != strings.Repeat("x", 32) {
		t.Fatal("must decode the latest version key")
	}
}
