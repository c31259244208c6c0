package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"ladder/pkg/models"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func signedPackage(t *testing.T, priv ed25519.PrivateKey) models.CompiledContextPackage {
	t.Helper()
	pkg := models.CompiledContextPackage{PackageID: "pkg-1", ProjectID: "p1"}
	pkg.Integrity = models.Integrity{
		Hash:       models.PackageHash(pkg.ProjectID, pkg.PackageID),
		HashAlg:    models.HashAlgSHA256,
		CompiledAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	signer := Signer{KeyID: "k1", SignerName: "gatekeeper", PrivateKey: priv}
	if err := signer.SignPackage(&pkg); err != nil {
		t.Fatalf("sign package: %v", err)
	}
	return pkg
}

func TestSignAndVerifyPackage(t *testing.T) {
	t.Parallel()
	pub, priv := testKeyPair(t)
	pkg := signedPackage(t, priv)

	if !pkg.Integrity.Signed || pkg.Integrity.Signature == nil {
		t.Fatalf("package must be marked signed: %+v", pkg.Integrity)
	}
	if pkg.Integrity.Signature.Alg != "ed25519" || pkg.Integrity.Signature.KeyID != "k1" {
		t.Fatalf("unexpected signature metadata: %+v", pkg.Integrity.Signature)
	}
	if err := VerifyEd25519(pub, pkg); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsTamperedBinding(t *testing.T) {
	t.Parallel()
	pub, priv := testKeyPair(t)

	pkg := signedPackage(t, priv)
	pkg.Integrity.Hash = strings.Repeat("0", 64)
	if err := VerifyEd25519(pub, pkg); err == nil {
		t.Fatal("tampered hash must fail verification")
	}

	pkg = signedPackage(t, priv)
	pkg.ProjectID = "p2"
	if err := VerifyEd25519(pub, pkg); err == nil {
		t.Fatal("rebound project must fail verification")
	}
}

func TestVerifyRejectsWrongKeyAndAlg(t *testing.T) {
	t.Parallel()
	_, priv := testKeyPair(t)
	otherPub, _ := testKeyPair(t)
	pkg := signedPackage(t, priv)

	if err := VerifyEd25519(otherPub, pkg); err == nil {
		t.Fatal("wrong key must fail verification")
	}

	pkg.Integrity.Signature.Alg = "rsa"
	if err := VerifyEd25519(otherPub, pkg); err == nil || !strings.Contains(err.Error(), "alg") {
		t.Fatalf("unsupported alg must be rejected, got %v", err)
	}

	pkg.Integrity.Signature = nil
	if err := VerifyEd25519(otherPub, pkg); err == nil {
		t.Fatal("unsigned package must be rejected")
	}
}

func TestNewSignerFromBase64(t *testing.T) {
	t.Parallel()
	_, priv := testKeyPair(t)
	encoded := base64.StdEncoding.EncodeToString(priv)

	signer, err := NewSignerFromBase64("k1", "", encoded)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if signer.SignerName != "gatekeeper" {
		t.Fatalf("default signer name expected, got %q", signer.SignerName)
	}

	if _, err := NewSignerFromBase64("", "svc", encoded); err == nil {
		t.Fatal("missing key id must be rejected")
	}
	if _, err := NewSignerFromBase64("k1", "svc", "not base64!!"); err == nil {
		t.Fatal("invalid base64 must be rejected")
	}
	if _, err := NewSignerFromBase64("k1", "svc", base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("short key must be rejected")
	}
}

func TestVerifyPackageWithKeyStore(t *testing.T) {
	t.Parallel()
	pub, priv := testKeyPair(t)
	pkg := signedPackage(t, priv)
	ctx := context.Background()

	store := StaticKeyStore{Keys: map[string]KeyRecord{
		"k1": {KeyID: "k1", PublicKey: pub, Status: "active"},
	}}
	if err := VerifyPackage(ctx, store, pkg); err != nil {
		t.Fatalf("verify with keystore: %v", err)
	}

	store.Keys["k1"] = KeyRecord{KeyID: "k1", PublicKey: pub, Status: "revoked"}
	if err := VerifyPackage(ctx, store, pkg); err == nil || !strings.Contains(err.Error(), "revoked") {
		t.Fatalf("revoked key must fail closed, got %v", err)
	}

	if err := VerifyPackage(ctx, StaticKeyStore{}, pkg); err == nil {
		t.Fatal("unknown key id must be rejected")
	}
	if err := VerifyPackage(ctx, nil, pkg); err == nil {
		t.Fatal("nil keystore must be rejected")
	}
}
