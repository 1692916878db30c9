// Package gateway is the AI traffic front door: it authenticates virtual
// keys against the upstream router, runs the pre-call hook pipeline
// (content guardrails, enforcement prompts), enforces per-key rate
// limits, forwards chat completions, and attributes usage.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devplane/backend/internal/config"
	"github.com/devplane/backend/internal/events"
	"github.com/devplane/backend/internal/litellm"
	"github.com/devplane/backend/internal/middleware"
	"github.com/devplane/backend/internal/pipeline"
	"github.com/devplane/backend/internal/protocol"
	"github.com/devplane/backend/internal/usage"
)

// Server is the AI gateway HTTP service.
type Server struct {
	llm      litellm.Client
	pipe     *pipeline.Pipeline
	limiter  *middleware.RateLimiter
	recorder *usage.Recorder
	tracker  *usage.Tracker
	bus      *events.Bus
	streamer *events.Streamer
	metrics  *Metrics
	cfg      config.Gateway
	allowed  map[string]bool
	logger   *log.Logger
}

// New assembles the gateway from its dependencies. allowedModels empty
// means every model the router serves is allowed.
func New(llm litellm.Client, pipe *pipeline.Pipeline, recorder *usage.Recorder, tracker *usage.Tracker, cfg config.Gateway, allowedModels []string) *Server {
	allowed := make(map[string]bool, len(allowedModels))
	for _, m := range allowedModels {
		allowed[m] = true
	}
	bus := events.NewBus()
	return &Server{
		llm:      llm,
		pipe:     pipe,
		limiter:  middleware.NewRateLimiter(cfg.DefaultRPM),
		recorder: recorder,
		tracker:  tracker,
		bus:      bus,
		streamer: events.NewStreamer(bus),
		metrics:  NewMetrics(),
		cfg:      cfg,
		allowed:  allowed,
		logger:   log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// Routes mounts all gateway endpoints.
func (s *Server) Routes(router *mux.Router) {
	router.HandleFunc("/v1/chat/completions", middleware.RequireBearer(s.handleChatCompletion)).Methods(http.MethodPost)
	router.HandleFunc("/v1/usage", middleware.RequireBearer(s.handleUsage)).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.Handle("/ws/usage", s.streamer).Methods(http.MethodGet)
}

// introspect resolves the bearer key against the router and maps the
// failure modes to HTTP statuses. Writes the error response itself and
// returns nil when the caller should stop.
func (s *Server) introspect(w http.ResponseWriter, r *http.Request, bearer string) *litellm.KeyIntrospection {
	key, err := s.llm.IntrospectKey(r.Context(), bearer)
	if err != nil {
		if errors.Is(err, litellm.ErrUnauthorized) {
			s.metrics.RequestsTotal.WithLabelValues("unauthorized").Inc()
			middleware.WriteError(w, http.StatusUnauthorized, "invalid API key")
			return nil
		}
		s.logger.Printf("❌ Key introspection failed: %v", err)
		s.metrics.RequestsTotal.WithLabelValues("upstream_error").Inc()
		middleware.WriteError(w, http.StatusBadGateway, "failed to validate API key against upstream router")
		return nil
	}
	return key
}

// handleChatCompletion is the main request path: introspect, rate-limit,
// run the pre-call pipeline, forward, attribute.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request, bearer string) {
	started := time.Now()
	requestID := usage.NewRequestID()

	key := s.introspect(w, r, bearer)
	if key == nil {
		return
	}
	principal := key.Alias
	if principal == "" {
		principal = key.UserID
	}

	if !s.limiter.Allow(principal, key.RPMLimit) {
		s.metrics.RateLimited.Inc()
		s.metrics.RequestsTotal.WithLabelValues("rate_limited").Inc()
		middleware.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	req, err := protocol.ParseChatRequest(body)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid chat completion request: "+err.Error())
		return
	}
	model := req.Model
	if len(s.allowed) > 0 && !s.allowed[model] {
		s.logger.Printf("🚫 Model not allowed: model=%s key=%s", model, principal)
		middleware.WriteError(w, http.StatusForbidden, "model not allowed: "+model)
		return
	}

	result := s.pipe.Run(r.Context(), pipeline.KeyMeta(key.Metadata), req, protocol.CallTypeCompletion)
	if !result.Passed() {
		s.metrics.GuardrailBlocks.WithLabelValues(result.Block.Level).Inc()
		s.metrics.RecordRequest("blocked", model, time.Since(started).Seconds())
		s.bus.Emit(events.TypeBlocked, principal, map[string]interface{}{
			"request_id": requestID,
			"model":      model,
			"labels":     result.Block.Labels,
			"categories": result.Block.Categories,
			"level":      result.Block.Level,
		})
		middleware.WriteError(w, http.StatusBadRequest, result.Block.Detail)
		return
	}

	// An untouched payload forwards byte-for-byte; only a mutated one is
	// re-encoded. Prompt injection mutates without masking, so the mask
	// signal is tracked separately.
	forward := body
	if result.Mutated {
		forward, err = json.Marshal(result.Request)
		if err != nil {
			s.logger.Printf("❌ Failed to re-encode request %s: %v", requestID, err)
			middleware.WriteError(w, http.StatusInternalServerError, "failed to encode request")
			return
		}
	}
	if result.Masked {
		s.metrics.GuardrailMasks.Inc()
		s.bus.Emit(events.TypeMasked, principal, map[string]interface{}{
			"request_id": requestID,
			"model":      model,
		})
	}

	status, respBody, err := s.llm.ChatCompletion(r.Context(), bearer, forward)
	latency := time.Since(started)
	if err != nil {
		s.logger.Printf("❌ Upstream chat completion failed: request=%s err=%v", requestID, err)
		s.metrics.RecordRequest("upstream_error", model, latency.Seconds())
		middleware.WriteError(w, http.StatusBadGateway, "upstream router unavailable")
		return
	}

	tokensIn, tokensOut := parseTokenUsage(respBody)
	s.attribute(key, requestID, model, tokensIn, tokensOut, int(latency.Milliseconds()), status)

	outcome := "ok"
	if status >= 400 {
		outcome = "upstream_error"
	}
	s.metrics.RecordRequest(outcome, model, latency.Seconds())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}

// attribute records the call asynchronously: the Postgres row, the daily
// tracker counters, and the activity event. Never blocks the response.
func (s *Server) attribute(key *litellm.KeyIntrospection, requestID, model string, tokensIn, tokensOut, latencyMs, status int) {
	principal := key.Alias
	if principal == "" {
		principal = key.UserID
	}
	workspaceID := key.Metadata["workspace_id"]
	if workspaceID == "" {
		workspaceID = "anonymous"
	}
	provider, shortModel := splitModel(model)

	rec := usage.Record{
		RequestID:    requestID,
		WorkspaceID:  workspaceID,
		UserID:       key.UserID,
		TemplateName: key.Metadata["template_name"],
		Provider:     provider,
		Model:        shortModel,
		TokensIn:     tokensIn,
		TokensOut:    tokensOut,
		LatencyMs:    latencyMs,
		StatusCode:   status,
		Endpoint:     "/v1/chat/completions",
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.recorder.Record(ctx, rec)
		s.tracker.Track(ctx, principal, tokensIn, tokensOut)
	}()

	s.bus.Emit(events.TypeRequest, principal, map[string]interface{}{
		"request_id": requestID,
		"model":      model,
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
		"latency_ms": latencyMs,
		"status":     status,
	})
}

// handleUsage reports the caller's daily totals and configured limits.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, bearer string) {
	key := s.introspect(w, r, bearer)
	if key == nil {
		return
	}
	principal := key.Alias
	if principal == "" {
		principal = key.UserID
	}

	totals := s.tracker.Today(r.Context(), principal)
	rpm := key.RPMLimit
	if rpm <= 0 {
		rpm = s.cfg.DefaultRPM
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"principal": principal,
		"date":      time.Now().UTC().Format("2006-01-02"),
		"today":     totals,
		"spend":     key.Spend,
		"limits": map[string]interface{}{
			"requests_per_minute": rpm,
			"tokens_per_minute":   s.cfg.DefaultTPM,
		},
	})
}

// handleHealth verifies router connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok := s.llm.Ready(r.Context())
	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, code, map[string]interface{}{"status": status, "litellm": ok})
}

// parseTokenUsage extracts token counts from a completion response,
// accepting both the prompt/completion and input/output field spellings.
func parseTokenUsage(body []byte) (tokensIn, tokensOut int) {
	var resp struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0
	}
	tokensIn = resp.Usage.PromptTokens
	if tokensIn == 0 {
		tokensIn = resp.Usage.InputTokens
	}
	tokensOut = resp.Usage.CompletionTokens
	if tokensOut == 0 {
		tokensOut = resp.Usage.OutputTokens
	}
	return tokensIn, tokensOut
}

// splitModel separates a "provider/model" identifier; a bare model name
// maps to an empty provider.
func splitModel(model string) (provider, name string) {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i], model[i+1:]
	}
	return "", model
}
