// Package client is the Go SDK for the gatekeeper API. Fetched context
// packages are integrity-checked locally so a compromised transport
// cannot hand a caller a tampered policy snapshot.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ladder/pkg/auth"
	"ladder/pkg/httpx"
	"ladder/pkg/models"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string

	// Retries applies to idempotent reads only. Writes are never retried;
	// a dropped compile request is cheaper than a duplicated one.
	Retries    int
	RetryDelay time.Duration

	// Keys, when set, makes package fetches also verify the ed25519
	// attestation against the keystore.
	Keys auth.KeyStore
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

// ActionDecision is the check-action verdict for one proposed action.
type ActionDecision struct {
	Action    string `json:"action"`
	PackageID string `json:"package_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	PolicyRef string `json:"policy_ref"`
}

// ResolvedRequirements is the requirement set for one ladder transition.
type ResolvedRequirements struct {
	ProjectID    string                       `json:"project_id"`
	Transition   string                       `json:"transition"`
	Requirements []models.ResolvedRequirement `json:"requirements"`
}

// CompilePackage requests a fresh compile and verifies the result.
func (c *Client) CompilePackage(ctx context.Context, projectID string) (models.CompiledContextPackage, error) {
	var pkg models.CompiledContextPackage
	path := "/v1/projects/" + projectID + "/context-packages"
	if err := c.do(ctx, http.MethodPost, path, nil, &pkg); err != nil {
		return models.CompiledContextPackage{}, err
	}
	return pkg, c.verifyPackage(ctx, pkg)
}

// LatestPackage fetches the most recent compiled package and verifies it.
func (c *Client) LatestPackage(ctx context.Context, projectID string) (models.CompiledContextPackage, error) {
	var pkg models.CompiledContextPackage
	path := "/v1/projects/" + projectID + "/context-packages/latest"
	if err := c.do(ctx, http.MethodGet, path, nil, &pkg); err != nil {
		return models.CompiledContextPackage{}, err
	}
	return pkg, c.verifyPackage(ctx, pkg)
}

// EvaluateGate runs the promotion gate for one transition.
func (c *Client) EvaluateGate(ctx context.Context, projectID, sourceEnv, targetEnv string) (models.GateEvaluation, error) {
	body := map[string]string{
		"source_environment": sourceEnv,
		"target_environment": targetEnv,
	}
	var eval models.GateEvaluation
	path := "/v1/projects/" + projectID + "/evaluations"
	if err := c.do(ctx, http.MethodPost, path, body, &eval); err != nil {
		return models.GateEvaluation{}, err
	}
	return eval, nil
}

// CheckAction asks the gatekeeper for a verdict on one proposed action.
func (c *Client) CheckAction(ctx context.Context, projectID, action string, arguments json.RawMessage) (ActionDecision, error) {
	body := map[string]interface{}{"action": action}
	if len(arguments) > 0 {
		body["arguments"] = arguments
	}
	var out ActionDecision
	path := "/v1/projects/" + projectID + "/check-action"
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return ActionDecision{}, err
	}
	return out, nil
}

// Requirements fetches the resolved requirement set for a transition.
func (c *Client) Requirements(ctx context.Context, projectID, sourceEnv, targetEnv string) (ResolvedRequirements, error) {
	var out ResolvedRequirements
	path := "/v1/projects/" + projectID + "/requirements?source=" + sourceEnv + "&target=" + targetEnv
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return ResolvedRequirements{}, err
	}
	return out, nil
}

func (c *Client) verifyPackage(ctx context.Context, pkg models.CompiledContextPackage) error {
	if err := models.VerifyIntegrity(&pkg); err != nil {
		return err
	}
	if c.Keys != nil {
		return auth.VerifyPackage(ctx, c.Keys, pkg)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return err
		}
	}
	headers := map[string]string{}
	if token := strings.TrimSpace(c.AuthToken); token != "" {
		headers["Authorization"] = "Bearer " + token
	}
	retries := 0
	if method == http.MethodGet {
		retries = c.Retries
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTPClient, method, c.BaseURL+path, raw, headers, retries, c.RetryDelay)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("%s %s failed status=%d body=%s", method, path, status, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}
