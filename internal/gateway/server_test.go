package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplane/backend/internal/config"
	"github.com/devplane/backend/internal/enforcement"
	"github.com/devplane/backend/internal/guardrails"
	"github.com/devplane/backend/internal/litellm"
	"github.com/devplane/backend/internal/pipeline"
	"github.com/devplane/backend/internal/usage"
)

// fakeUpstream is a reconfigurable litellm.Client shared by all gateway
// tests (the server registers Prometheus collectors globally, so it is
// built once).
type fakeUpstream struct {
	mu           sync.Mutex
	key          *litellm.KeyIntrospection
	introspecErr error
	chatStatus   int
	chatBody     []byte
	chatErr      error
	lastForward  []byte
	ready        bool
}

func (f *fakeUpstream) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = &litellm.KeyIntrospection{
		Alias:    "workspace-ws1",
		UserID:   "alice",
		RPMLimit: 1000,
		Metadata: map[string]string{"workspace_id": "ws1"},
	}
	f.introspecErr = nil
	f.chatStatus = http.StatusOK
	f.chatBody = []byte(`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7}}`)
	f.chatErr = nil
	f.lastForward = nil
	f.ready = true
}

func (f *fakeUpstream) FindKey(context.Context, string) (string, error) { return "", nil }

func (f *fakeUpstream) GenerateKey(context.Context, litellm.GenerateKeyRequest) (string, error) {
	return "", nil
}

func (f *fakeUpstream) ResetUserSpend(context.Context, string) error { return nil }

func (f *fakeUpstream) ListKeys(context.Context) ([]byte, error) { return []byte(`{}`), nil }

func (f *fakeUpstream) KeyInfo(context.Context, string) ([]byte, error) { return []byte(`{}`), nil }

func (f *fakeUpstream) IntrospectKey(context.Context, string) (*litellm.KeyIntrospection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.introspecErr != nil {
		return nil, f.introspecErr
	}
	return f.key, nil
}

func (f *fakeUpstream) ChatCompletion(_ context.Context, _ string, body []byte) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastForward = append([]byte(nil), body...)
	return f.chatStatus, f.chatBody, f.chatErr
}

func (f *fakeUpstream) Ready(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

const testPolicyPrompt = "Think before writing code."

var (
	testUpstream *fakeUpstream
	testServer   *Server
	testHandler  http.Handler
	testOnce     sync.Once
)

func gatewayHandler(t *testing.T) (*fakeUpstream, http.Handler) {
	t.Helper()
	testOnce.Do(func() {
		testUpstream = &fakeUpstream{}

		// Not t.TempDir: the directory has to outlive the test that
		// happens to build the shared server first.
		promptDir, err := os.MkdirTemp("", "gateway-prompts")
		if err != nil {
			t.Fatalf("mkdir prompt dir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(promptDir, "design-first.md"), []byte(testPolicyPrompt), 0o644); err != nil {
			t.Fatalf("write prompt: %v", err)
		}

		guard := guardrails.NewHook(guardrails.NewLibrary(""), guardrails.HookConfig{
			Enabled:       true,
			DefaultLevel:  guardrails.LevelStandard,
			DefaultAction: guardrails.ActionBlock,
		})
		enforce := enforcement.NewHook(promptDir, enforcement.LevelUnrestricted)
		pipe := pipeline.New(guard, enforce)

		cfg := config.Gateway{DefaultRPM: 60, DefaultTPM: 100000}
		testServer = New(testUpstream, pipe, usage.NewDroppingRecorder(), usage.NewTracker("", ""), cfg, nil)

		router := mux.NewRouter()
		testServer.Routes(router)
		testHandler = router
	})
	testUpstream.reset()
	return testUpstream, testHandler
}

func doChat(handler http.Handler, bearer, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

const cleanChat = `{"model":"gpt-4o","temperature":0.3,"messages":[{"role":"user","content":"hello there"}]}`

func TestChatCompletion_ForwardsUntouchedBodyVerbatim(t *testing.T) {
	up, handler := gatewayHandler(t)

	rec := doChat(handler, "sk-caller", cleanChat)
	require.Equal(t, http.StatusOK, rec.Code)

	// No hook mutated the payload, so the exact caller bytes go upstream.
	assert.Equal(t, []byte(cleanChat), up.lastForward)
	assert.Contains(t, rec.Body.String(), "choices")
}

func TestChatCompletion_RequiresBearer(t *testing.T) {
	_, handler := gatewayHandler(t)
	rec := doChat(handler, "", cleanChat)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletion_InvalidKeyIs401(t *testing.T) {
	up, handler := gatewayHandler(t)
	up.introspecErr = litellm.ErrUnauthorized

	rec := doChat(handler, "sk-bad", cleanChat)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletion_IntrospectionOutageIs502(t *testing.T) {
	up, handler := gatewayHandler(t)
	up.introspecErr = &litellm.UpstreamError{StatusCode: 500, Body: "down"}

	rec := doChat(handler, "sk-caller", cleanChat)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestChatCompletion_GuardrailBlockIs400(t *testing.T) {
	up, handler := gatewayHandler(t)

	rec := doChat(handler, "sk-caller",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"my ssn is 123-45-6789"}]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Request blocked by content guardrails")
	// Blocked payloads never reach the upstream.
	assert.Nil(t, up.lastForward)
}

func TestChatCompletion_MaskedPayloadIsReencoded(t *testing.T) {
	up, handler := gatewayHandler(t)
	up.key.Metadata["guardrail_action"] = "mask"

	before := testutil.ToFloat64(testServer.metrics.GuardrailMasks)
	rec := doChat(handler, "sk-caller",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"ssn 123-45-6789 ok"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, up.lastForward)
	assert.Contains(t, string(up.lastForward), "[REDACTED:US Social Security Number]")
	assert.NotContains(t, string(up.lastForward), "123-45-6789")
	assert.Equal(t, before+1, testutil.ToFloat64(testServer.metrics.GuardrailMasks))
}

func TestChatCompletion_EnforcedPromptDoesNotCountAsMask(t *testing.T) {
	up, handler := gatewayHandler(t)
	up.key.Metadata["enforcement_level"] = "design-first"

	before := testutil.ToFloat64(testServer.metrics.GuardrailMasks)
	rec := doChat(handler, "sk-caller", cleanChat)
	require.Equal(t, http.StatusOK, rec.Code)

	// The injected prompt forces a re-encode with the system message first,
	// caller text intact.
	require.NotNil(t, up.lastForward)
	assert.Contains(t, string(up.lastForward), testPolicyPrompt)
	assert.Contains(t, string(up.lastForward), "hello there")
	assert.NotContains(t, string(up.lastForward), "REDACTED")

	// Prompt injection is not a mask decision.
	assert.Equal(t, before, testutil.ToFloat64(testServer.metrics.GuardrailMasks))
}

func TestChatCompletion_RateLimited(t *testing.T) {
	up, handler := gatewayHandler(t)
	up.key.Alias = "workspace-ratelimit"
	up.key.RPMLimit = 2

	assert.Equal(t, http.StatusOK, doChat(handler, "sk-caller", cleanChat).Code)
	assert.Equal(t, http.StatusOK, doChat(handler, "sk-caller", cleanChat).Code)

	rec := doChat(handler, "sk-caller", cleanChat)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestChatCompletion_InvalidBodyIs400(t *testing.T) {
	_, handler := gatewayHandler(t)
	rec := doChat(handler, "sk-caller", `{"model": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletion_UpstreamErrorIs502(t *testing.T) {
	up, handler := gatewayHandler(t)
	up.chatErr = context.DeadlineExceeded

	rec := doChat(handler, "sk-caller", cleanChat)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestChatCompletion_UpstreamStatusPassesThrough(t *testing.T) {
	up, handler := gatewayHandler(t)
	up.chatStatus = http.StatusTooManyRequests
	up.chatBody = []byte(`{"error":{"message":"budget exceeded"}}`)

	rec := doChat(handler, "sk-caller", cleanChat)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "budget exceeded")
}

func TestUsageEndpoint_ReportsDailyTotals(t *testing.T) {
	up, handler := gatewayHandler(t)
	up.key.Alias = "workspace-usage"

	rec := doChat(handler, "sk-caller", cleanChat)
	require.Equal(t, http.StatusOK, rec.Code)

	// The tracker update runs on a goroutine; give it a moment.
	var resp struct {
		Principal string       `json:"principal"`
		Today     usage.Totals `json:"today"`
		Limits    struct {
			RPM int `json:"requests_per_minute"`
			TPM int `json:"tokens_per_minute"`
		} `json:"limits"`
	}
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
		req.Header.Set("Authorization", "Bearer sk-caller")
		r := httptest.NewRecorder()
		handler.ServeHTTP(r, req)
		if r.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(r.Body.Bytes(), &resp); err != nil {
			return false
		}
		return resp.Today.Requests >= 1
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "workspace-usage", resp.Principal)
	assert.Equal(t, 12, resp.Today.TokensIn)
	assert.Equal(t, 7, resp.Today.TokensOut)
	assert.Equal(t, 1000, resp.Limits.RPM)
	assert.Equal(t, 100000, resp.Limits.TPM)
}

func TestHealthEndpoint(t *testing.T) {
	up, handler := gatewayHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	up.ready = false
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseTokenUsage_BothSpellings(t *testing.T) {
	in, out := parseTokenUsage([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":4}}`))
	assert.Equal(t, 10, in)
	assert.Equal(t, 4, out)

	in, out = parseTokenUsage([]byte(`{"usage":{"input_tokens":3,"output_tokens":9}}`))
	assert.Equal(t, 3, in)
	assert.Equal(t, 9, out)

	in, out = parseTokenUsage([]byte(`not json`))
	assert.Zero(t, in)
	assert.Zero(t, out)
}

func TestSplitModel(t *testing.T) {
	provider, name := splitModel("anthropic/claude-sonnet")
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-sonnet", name)

	provider, name = splitModel("gpt-4o")
	assert.Empty(t, provider)
	assert.Equal(t, "gpt-4o", name)
}
