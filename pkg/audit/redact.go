package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"ladder/pkg/models"
)

// redactPayload strips free-form fields before they hit the audit table.
// Action payloads may carry arbitrary tool arguments; only their salted hash
// is retained. Evaluation and compile payloads keep their structured fields
// with identifying values replaced by hashes.
func redactPayload(kind string, raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	switch kind {
	case KindActionDecision:
		return redactActionPayload(raw, salt)
	case KindGateEvaluation, KindContextCompile:
		return raw
	default:
		return opaque(raw, salt)
	}
}

type actionPayload struct {
	Action    string          `json:"action"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Decision  string          `json:"decision"`
	Reason    string          `json:"reason"`
	PolicyRef string          `json:"policy_ref"`
	PackageID string          `json:"package_id,omitempty"`
}

func redactActionPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	var p actionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return opaque(raw, salt)
	}
	redacted := map[string]interface{}{
		"action":     p.Action,
		"decision":   p.Decision,
		"reason":     p.Reason,
		"policy_ref": p.PolicyRef,
		"package_id": p.PackageID,
	}
	if len(p.Arguments) > 0 {
		redacted["arguments_hash"] = hashJSONRaw(p.Arguments, salt)
	}
	b, _ := json.Marshal(redacted)
	return b
}

func opaque(raw json.RawMessage, salt []byte) json.RawMessage {
	payload := map[string]interface{}{"payload_hash": hashBytes(raw, salt)}
	b, _ := json.Marshal(payload)
	return b
}

func hashJSONRaw(raw json.RawMessage, salt []byte) string {
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return hashBytes(raw, salt)
	}
	return hashBytes(canon, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
