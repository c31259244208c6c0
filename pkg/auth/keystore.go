package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"ladder/pkg/models"
)

// KeyRecord holds signing key metadata for one attestation identity.
type KeyRecord struct {
	KeyID     string
	Signer    string
	PublicKey []byte
	Status    string // active|revoked
}

type KeyStore interface {
	GetKey(ctx context.Context, keyID string) (*KeyRecord, error)
}

// StaticKeyStore serves keys from a fixed map. Suited for single-key
// deployments configured through the environment.
type StaticKeyStore struct {
	Keys map[string]KeyRecord
}

func (s StaticKeyStore) GetKey(_ context.Context, keyID string) (*KeyRecord, error) {
	rec, ok := s.Keys[strings.TrimSpace(keyID)]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	return &rec, nil
}

// VerifyPackage resolves the key named by the package signature and checks
// the attestation. Revoked keys fail closed.
func VerifyPackage(ctx context.Context, store KeyStore, pkg models.CompiledContextPackage) error {
	if store == nil {
		return errors.New("keystore is required")
	}
	sig := pkg.Integrity.Signature
	if sig == nil {
		return errors.New("package is not signed")
	}
	rec, err := store.GetKey(ctx, sig.KeyID)
	if err != nil {
		return err
	}
	if !strings.EqualFold(rec.Status, "active") {
		return fmt.Errorf("key %q is %s", sig.KeyID, rec.Status)
	}
	if len(rec.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("key %q has invalid public key length %d", sig.KeyID, len(rec.PublicKey))
	}
	return VerifyEd25519(ed25519.PublicKey(rec.PublicKey), pkg)
}
