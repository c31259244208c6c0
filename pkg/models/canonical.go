package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// HashAlgSHA256 is the only integrity hash algorithm packages carry.
const HashAlgSHA256 = "sha256"

// IntegrityMismatchError means a package's stored hash does not match the
// hash recomputed from its identity. Consumers must refuse the package.
type IntegrityMismatchError struct {
	PackageID string
	Want      string
	Got       string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("package %s integrity mismatch: stored hash %q, recomputed %q", e.PackageID, e.Got, e.Want)
}

// CanonicalizeJSON returns a canonical form (sorted object keys, no
// insignificant whitespace) for arbitrary JSON.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// PackageHash computes sha256 over the canonical JSON of the package
// identity {package_id, project_id}. It is a tamper-evidence marker binding
// the package to the compiler invocation, not a content hash of the policy
// body.
func PackageHash(projectID, packageID string) string {
	identity := map[string]interface{}{
		"package_id": packageID,
		"project_id": projectID,
	}
	raw, _ := json.Marshal(identity)
	canon, _ := CanonicalizeJSON(raw)
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:])
}

// VerifyIntegrity recomputes the package hash and fails closed on mismatch.
func VerifyIntegrity(pkg *CompiledContextPackage) error {
	if pkg == nil {
		return errors.New("nil package")
	}
	want := PackageHash(pkg.ProjectID, pkg.PackageID)
	if pkg.Integrity.HashAlg != HashAlgSHA256 || pkg.Integrity.Hash != want {
		return &IntegrityMismatchError{PackageID: pkg.PackageID, Want: want, Got: pkg.Integrity.Hash}
	}
	return nil
}
