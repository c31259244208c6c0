package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// VaultTransitKeyStore resolves ed25519 public keys from Vault Transit.
// Key names are KeyPrefix + keyID.
type VaultTransitKeyStore struct {
	Client     *http.Client
	Addr       string
	Token      string
	Namespace  string
	Transit    string
	KeyPrefix  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (s VaultTransitKeyStore) GetKey(ctx context.Context, keyID string) (*KeyRecord, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, errors.New("key id required")
	}
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return nil, errors.New("vault token required")
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	if s.Transit == "" {
		s.Transit = "transit"
	}
	if s.Timeout <= 0 {
		s.Timeout = 1500 * time.Millisecond
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	keyName := s.KeyPrefix + keyID
	endpoint := addr + "/v1/" + strings.Trim(s.Transit, "/") + "/keys/" + url.PathEscape(keyName)

	var lastErr error
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		body, status, err := s.fetch(ctx, client, endpoint)
		if err != nil {
			lastErr = err
			if attempt < s.MaxRetries && s.RetryDelay > 0 {
				time.Sleep(s.RetryDelay)
				continue
			}
			break
		}
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("key %q not found in vault transit", keyID)
		}
		if status >= 300 {
			lastErr = fmt.Errorf("vault transit key lookup failed status=%d", status)
			if attempt < s.MaxRetries && s.RetryDelay > 0 {
				time.Sleep(s.RetryDelay)
				continue
			}
			break
		}
		pub, err := parseVaultTransitPublicKey(body)
		if err != nil {
			return nil, err
		}
		return &KeyRecord{
			KeyID:     keyID,
			Signer:    "vault-transit:" + keyName,
			PublicKey: pub,
			Status:    "active",
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("vault transit lookup failed")
	}
	return nil, lastErr
}

func (s VaultTransitKeyStore) fetch(ctx context.Context, client *http.Client, endpoint string) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Vault-Token", s.Token)
	if strings.TrimSpace(s.Namespace) != "" {
		req.Header.Set("X-Vault-Namespace", s.Namespace)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func parseVaultTransitPublicKey(body []byte) ([]byte, error) {
	var payload struct {
		Data struct {
			LatestVersion int `json:"latest_version"`
			Keys          map[string]struct {
				PublicKey string `json:"public_key"`
			} `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid vault response: %w", err)
	}
	if len(payload.Data.Keys) == 0 {
		return nil, errors.New("vault response missing key versions")
	}
	version := payload.Data.LatestVersion
	if version <= 0 {
		for k := range payload.Data.Keys {
			if n, err := strconv.Atoi(k); err == nil && n > version {
				version = n
			}
		}
	}
	item, ok := payload.Data.Keys[strconv.Itoa(version)]
	if !ok {
		return nil, errors.New("vault response missing latest public key")
	}
	pub := strings.TrimSpace(item.PublicKey)
	if pub == "" {
		return nil, errors.New("vault response has empty public key")
	}
	if parts := strings.SplitN(pub, ":", 2); len(parts) == 2 {
		pub = strings.TrimSpace(parts[1])
	}
	pk, err := base64.StdEncoding.DecodeString(pub)
	if err != nil {
		return nil, fmt.Errorf("vault public key decode failed: %w", err)
	}
	return pk, nil
}
