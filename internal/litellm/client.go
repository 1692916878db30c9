// Package litellm is a thin typed client for the upstream model router.
// The provisioner uses it to issue and inspect virtual keys; the gateway
// uses it to introspect caller keys and forward chat completions.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Timeout budgets per call class.
const (
	keyOpTimeout     = 15 * time.Second
	readinessTimeout = 5 * time.Second
	chatTimeout      = 120 * time.Second
)

// ErrUnauthorized is returned when the router rejects the presented
// credential.
var ErrUnauthorized = errors.New("litellm: unauthorized")

// UpstreamError carries the router's error response so provisioning
// failures can surface the upstream message verbatim (never the master
// credential, which is only ever sent as a header).
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("litellm: upstream status %d: %s", e.StatusCode, e.Body)
}

// GenerateKeyRequest are the parameters for issuing a virtual key.
type GenerateKeyRequest struct {
	Alias     string                 `json:"key_alias"`
	UserID    string                 `json:"user_id"`
	MaxBudget float64                `json:"max_budget"`
	TPMLimit  *int                   `json:"tpm_limit"`
	RPMLimit  int                    `json:"rpm_limit"`
	Metadata  map[string]interface{} `json:"metadata"`
	Models    []string               `json:"models,omitempty"`
}

// KeyIntrospection is the subset of a virtual-key record the gateway needs
// to drive the pre-call pipeline and attribution.
type KeyIntrospection struct {
	Alias    string
	UserID   string
	RPMLimit int
	Spend    float64
	Metadata map[string]string
}

// Client is the operations surface against the upstream router.
type Client interface {
	// FindKey looks up an active key by alias. Returns "" when no record
	// with a usable token exists. Upstream shapes vary by version, so an
	// empty token means not-found regardless of HTTP status.
	FindKey(ctx context.Context, alias string) (string, error)
	// GenerateKey issues a new virtual key and returns its token.
	GenerateKey(ctx context.Context, req GenerateKeyRequest) (string, error)
	// ResetUserSpend zeroes the accumulated spend for a user.
	ResetUserSpend(ctx context.Context, userID string) error
	// ListKeys returns the router's key list document as-is.
	ListKeys(ctx context.Context) ([]byte, error)
	// KeyInfo returns the usage/budget document for the bearer key itself.
	KeyInfo(ctx context.Context, bearer string) ([]byte, error)
	// IntrospectKey authenticates by the bearer key and returns its parsed
	// record. Returns ErrUnauthorized for an invalid key.
	IntrospectKey(ctx context.Context, bearer string) (*KeyIntrospection, error)
	// ChatCompletion forwards a chat completion under the caller's bearer.
	ChatCompletion(ctx context.Context, bearer string, body []byte) (int, []byte, error)
	// Ready probes the router's readiness endpoint.
	Ready(ctx context.Context) bool
}

// HTTPClient implements Client over the router's REST API.
type HTTPClient struct {
	baseURL   string
	masterKey string
	http      *http.Client
	logger    *log.Logger
}

// NewHTTPClient builds a router client. An empty master key is tolerated
// (degraded: key generation will fail) so the process can still serve
// health checks.
func NewHTTPClient(baseURL, masterKey string) *HTTPClient {
	c := &HTTPClient{
		baseURL:   baseURL,
		masterKey: masterKey,
		http:      &http.Client{Timeout: chatTimeout},
		logger:    log.New(log.Writer(), "[LITELLM] ", log.LstdFlags),
	}
	if masterKey == "" {
		c.logger.Printf("⚠️ Master key is not set, key generation will fail")
	}
	return c
}

func (c *HTTPClient) do(ctx context.Context, timeout time.Duration, method, path, bearer string, body interface{}) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

// FindKey implements Client.
func (c *HTTPClient) FindKey(ctx context.Context, alias string) (string, error) {
	status, raw, err := c.do(ctx, keyOpTimeout, http.MethodPost, "/key/info", c.masterKey,
		map[string]string{"key_alias": alias})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil
	}
	info := doc["info"]
	if info == nil {
		info = doc["key_info"]
	}
	if info == nil {
		return "", nil
	}
	var rec struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(info, &rec); err != nil {
		return "", nil
	}
	return rec.Token, nil
}

// GenerateKey implements Client.
func (c *HTTPClient) GenerateKey(ctx context.Context, req GenerateKeyRequest) (string, error) {
	status, raw, err := c.do(ctx, keyOpTimeout, http.MethodPost, "/key/generate", c.masterKey, req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		c.logger.Printf("❌ /key/generate failed: %d %s", status, string(raw))
		return "", &UpstreamError{StatusCode: status, Body: string(raw)}
	}
	var resp struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Key == "" {
		return "", &UpstreamError{StatusCode: status, Body: string(raw)}
	}
	return resp.Key, nil
}

// ResetUserSpend implements Client.
func (c *HTTPClient) ResetUserSpend(ctx context.Context, userID string) error {
	status, raw, err := c.do(ctx, keyOpTimeout, http.MethodPost, "/user/update", c.masterKey,
		map[string]interface{}{"user_id": userID, "spend": 0})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return &UpstreamError{StatusCode: status, Body: string(raw)}
	}
	return nil
}

// ListKeys implements Client.
func (c *HTTPClient) ListKeys(ctx context.Context) ([]byte, error) {
	status, raw, err := c.do(ctx, keyOpTimeout, http.MethodGet, "/key/list", c.masterKey, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &UpstreamError{StatusCode: status, Body: string(raw)}
	}
	return raw, nil
}

// KeyInfo implements Client.
func (c *HTTPClient) KeyInfo(ctx context.Context, bearer string) ([]byte, error) {
	status, raw, err := c.do(ctx, keyOpTimeout, http.MethodGet, "/user/info", bearer, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &UpstreamError{StatusCode: status, Body: string(raw)}
	}
	return raw, nil
}

// IntrospectKey implements Client.
func (c *HTTPClient) IntrospectKey(ctx context.Context, bearer string) (*KeyIntrospection, error) {
	status, raw, err := c.do(ctx, keyOpTimeout, http.MethodGet, "/key/info", bearer, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if status != http.StatusOK {
		return nil, &UpstreamError{StatusCode: status, Body: string(raw)}
	}
	return parseIntrospection(raw)
}

// parseIntrospection extracts the key record from the varying envelope
// shapes routers return ("info", "key_info", or flat).
func parseIntrospection(raw []byte) (*KeyIntrospection, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("litellm: invalid key info document: %w", err)
	}
	rec := doc["info"]
	if rec == nil {
		rec = doc["key_info"]
	}
	if rec == nil {
		rec = raw
	}
	var parsed struct {
		Alias    string                 `json:"key_alias"`
		UserID   string                 `json:"user_id"`
		RPMLimit int                    `json:"rpm_limit"`
		Spend    float64                `json:"spend"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(rec, &parsed); err != nil {
		return nil, fmt.Errorf("litellm: invalid key record: %w", err)
	}
	meta := make(map[string]string, len(parsed.Metadata))
	for k, v := range parsed.Metadata {
		switch val := v.(type) {
		case string:
			meta[k] = val
		case float64:
			meta[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			meta[k] = strconv.FormatBool(val)
		}
	}
	return &KeyIntrospection{
		Alias:    parsed.Alias,
		UserID:   parsed.UserID,
		RPMLimit: parsed.RPMLimit,
		Spend:    parsed.Spend,
		Metadata: meta,
	}, nil
}

// ChatCompletion implements Client.
func (c *HTTPClient) ChatCompletion(ctx context.Context, bearer string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

// Ready implements Client.
func (c *HTTPClient) Ready(ctx context.Context) bool {
	status, _, err := c.do(ctx, readinessTimeout, http.MethodGet, "/health/readiness", c.masterKey, nil)
	return err == nil && status == http.StatusOK
}
