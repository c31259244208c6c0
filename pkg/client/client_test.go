package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ladder/pkg/auth"
	"ladder/pkg/models"
)

func validPackage(t *testing.T) models.CompiledContextPackage {
	t.Helper()
	pkg := models.CompiledContextPackage{PackageID: "pkg-1", ProjectID: "p1"}
	pkg.Integrity = models.Integrity{
		Hash:       models.PackageHash(pkg.ProjectID, pkg.PackageID),
		HashAlg:    models.HashAlgSHA256,
		CompiledAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	return pkg
}

func TestLatestPackageVerifiesIntegrity(t *testing.T) {
	t.Parallel()
	pkg := validPackage(t)
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/projects/p1/context-packages/latest" {
			w.WriteHeader(404)
			return
		}
		_ = json.NewEncoder(w).Encode(pkg)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	c.AuthToken = "tok"
	got, err := c.LatestPackage(context.Background(), "p1")
	if err != nil {
		t.Fatalf("latest package: %v", err)
	}
	if got.PackageID != "pkg-1" {
		t.Fatalf("unexpected package: %+v", got)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("bearer token must be sent, got %q", gotAuth)
	}
}

func TestLatestPackageRejectsTamperedBody(t *testing.T) {
	t.Parallel()
	pkg := validPackage(t)
	pkg.Integrity.Hash = strings.Repeat("0", 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pkg)
	}))
	defer srv.Close()

	if _, err := New(srv.URL, time.Second).LatestPackage(context.Background(), "p1"); err == nil {
		t.Fatal("tampered package must be refused")
	}
}

func TestCompilePackageVerifiesSignatureWithKeystore(t *testing.T) {
	t.Parallel()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pkg := validPackage(t)
	signer := auth.Signer{KeyID: "k1", SignerName: "gatekeeper", PrivateKey: priv}
	if err := signer.SignPackage(&pkg); err != nil {
		t.Fatalf("sign: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(405)
			return
		}
		w.WriteHeader(201)
		_ = json.NewEncoder(w).Encode(pkg)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	c.Keys = auth.StaticKeyStore{Keys: map[string]auth.KeyRecord{
		"k1": {KeyID: "k1", PublicKey: pub, Status: "active"},
	}}
	if _, err := c.CompilePackage(context.Background(), "p1"); err != nil {
		t.Fatalf("compile package: %v", err)
	}

	c.Keys = auth.StaticKeyStore{Keys: map[string]auth.KeyRecord{
		"k1": {KeyID: "k1", PublicKey: pub, Status: "revoked"},
	}}
	if _, err := c.CompilePackage(context.Background(), "p1"); err == nil {
		t.Fatal("revoked signing key must fail closed")
	}
}

func TestEvaluateGate(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Source string `json:"source_environment"`
			Target string `json:"target_environment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Source != "dev" || body.Target != "preprod" {
			w.WriteHeader(400)
			return
		}
		w.WriteHeader(201)
		_ = json.NewEncoder(w).Encode(models.GateEvaluation{EvaluationID: "e1", Status: models.StatusPassed})
	}))
	defer srv.Close()

	eval, err := New(srv.URL, time.Second).EvaluateGate(context.Background(), "p1", "dev", "preprod")
	if err != nil {
		t.Fatalf("evaluate gate: %v", err)
	}
	if eval.Status != models.StatusPassed {
		t.Fatalf("unexpected evaluation: %+v", eval)
	}
}

func TestCheckAction(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action    string          `json:"action"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Action == "" {
			w.WriteHeader(400)
			return
		}
		_ = json.NewEncoder(w).Encode(ActionDecision{
			Action:    body.Action,
			Decision:  models.DecisionBlock,
			Reason:    "action is in blocked_actions",
			PolicyRef: "autonomy_policy.blocked_actions",
		})
	}))
	defer srv.Close()

	got, err := New(srv.URL, time.Second).CheckAction(context.Background(), "p1", "delete_database", json.RawMessage(`{"table":"users"}`))
	if err != nil {
		t.Fatalf("check action: %v", err)
	}
	if got.Decision != models.DecisionBlock {
		t.Fatalf("unexpected decision: %+v", got)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(422)
		_, _ = w.Write([]byte(`{"error":"project is not ready to compile"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).CompilePackage(context.Background(), "p1")
	if err == nil || !strings.Contains(err.Error(), "status=422") {
		t.Fatalf("expected status error, got %v", err)
	}
	if !strings.Contains(err.Error(), "not ready to compile") {
		t.Fatalf("error must carry response body, got %v", err)
	}
}

func TestRequirements(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/projects/p1/requirements" ||
			r.URL.Query().Get("source") != "dev" || r.URL.Query().Get("target") != "preprod" {
			w.WriteHeader(400)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"project_id": "p1",
			"transition": "dev->preprod",
			"requirements": []models.ResolvedRequirement{
				{
					ControlID:        "SLSA-PROV-1",
					Framework:        "slsa",
					RequirementLevel: models.LevelMandatory,
					EvidenceType:     "provenance_attestation",
					Source:           "bu_framework",
					Transition:       "dev->preprod",
				},
			},
		})
	}))
	defer srv.Close()

	got, err := New(srv.URL, time.Second).Requirements(context.Background(), "p1", "dev", "preprod")
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}
	if got.Transition != "dev->preprod" || len(got.Requirements) != 1 {
		t.Fatalf("unexpected response: %+v", got)
	}
	req := got.Requirements[0]
	if req.Source != "bu_framework" || req.Transition != "dev->preprod" {
		t.Fatalf("source and transition must survive decoding: %+v", req)
	}
	if req.ControlID != "SLSA-PROV-1" || req.RequirementLevel != models.LevelMandatory {
		t.Fatalf("unexpected requirement: %+v", req)
	}
}
