package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ladder/pkg/models"
)

// SignaturePayload binds the attestation to the package identity and its
// integrity hash, so a signature cannot be lifted onto another package.
func SignaturePayload(pkg models.CompiledContextPackage) ([]byte, error) {
	binding := struct {
		PackageID  string `json:"package_id"`
		ProjectID  string `json:"project_id"`
		Hash       string `json:"integrity_hash"`
		HashAlg    string `json:"integrity_hash_alg"`
		CompiledAt string `json:"compiled_at"`
	}{
		PackageID:  pkg.PackageID,
		ProjectID:  pkg.ProjectID,
		Hash:       pkg.Integrity.Hash,
		HashAlg:    pkg.Integrity.HashAlg,
		CompiledAt: pkg.Integrity.CompiledAt.UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return nil, fmt.Errorf("marshal signature payload: %w", err)
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize signature payload: %w", err)
	}
	return canon, nil
}

// Signer holds the private half of a package signing identity.
type Signer struct {
	KeyID      string
	SignerName string
	PrivateKey ed25519.PrivateKey
}

// NewSignerFromBase64 decodes a base64 ed25519 private key into a Signer.
func NewSignerFromBase64(keyID, signerName, privateKeyB64 string) (Signer, error) {
	privBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(privateKeyB64))
	if err != nil {
		return Signer{}, fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return Signer{}, fmt.Errorf("invalid private key length: got=%d want=%d", len(privBytes), ed25519.PrivateKeySize)
	}
	if keyID == "" {
		return Signer{}, errors.New("key id is required")
	}
	if signerName == "" {
		signerName = "gatekeeper"
	}
	return Signer{KeyID: keyID, SignerName: signerName, PrivateKey: ed25519.PrivateKey(privBytes)}, nil
}

// SignPackage attests the package in place. The integrity hash must be
// final before signing.
func (s Signer) SignPackage(pkg *models.CompiledContextPackage) error {
	if pkg == nil {
		return errors.New("package is nil")
	}
	if pkg.Integrity.Hash == "" {
		return errors.New("package integrity hash is not set")
	}
	payload, err := SignaturePayload(*pkg)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(s.PrivateKey, payload)
	pkg.Integrity.Signed = true
	pkg.Integrity.Signature = &models.PackageSignature{
		KeyID:  s.KeyID,
		Signer: s.SignerName,
		Alg:    "ed25519",
		Sig:    base64.StdEncoding.EncodeToString(sig),
	}
	return nil
}

// VerifyEd25519 checks a package attestation against one public key.
func VerifyEd25519(pubKey ed25519.PublicKey, pkg models.CompiledContextPackage) error {
	sig := pkg.Integrity.Signature
	if sig == nil {
		return errors.New("package is not signed")
	}
	if sig.Alg != "ed25519" {
		return fmt.Errorf("unsupported signature alg %q", sig.Alg)
	}
	payload, err := SignaturePayload(pkg)
	if err != nil {
		return err
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pubKey, payload, sigBytes) {
		return errors.New("signature verification failed")
	}
	return nil
}
