// Package provisioner issues scoped virtual API credentials to workspaces
// and users. It isolates the router's master key from workspace
// containers: workspaces authenticate with the shared provisioner secret
// (or a workspace-host session token for self-service) and receive
// virtual keys with budget and rate-limit constraints.
//
// Issuance is idempotent by alias: re-issuing for the same workspace or
// user returns the existing token.
package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/devplane/backend/internal/coder"
	"github.com/devplane/backend/internal/litellm"
	"github.com/devplane/backend/internal/middleware"
)

// ScopeDefaults govern the initial quotas of a newly issued key. Edits
// apply only to new keys; existing keys keep the quotas they were issued
// with.
type ScopeDefaults struct {
	Budget       float64
	RPM          int
	DurationDays int
}

var scopeDefaults = map[string]ScopeDefaults{
	"workspace":    {Budget: 10.0, RPM: 60, DurationDays: 30},
	"user":         {Budget: 20.0, RPM: 100, DurationDays: 90},
	"ci":           {Budget: 5.0, RPM: 30, DurationDays: 365},
	"agent:review": {Budget: 15.0, RPM: 40, DurationDays: 365},
	"agent:write":  {Budget: 30.0, RPM: 60, DurationDays: 365},
}

// Service is the key-provisioner HTTP service.
type Service struct {
	llm    litellm.Client
	coder  *coder.Client
	secret string
	logger *log.Logger
	now    func() time.Time
}

// New creates the provisioner service. An empty secret is tolerated at
// startup (with a warning) but rejects every secret-guarded request.
func New(llm litellm.Client, coderClient *coder.Client, secret string) *Service {
	logger := log.New(log.Writer(), "[PROVISIONER] ", log.LstdFlags)
	if secret == "" {
		logger.Printf("⚠️ PROVISIONER_SECRET is not set, secret-guarded endpoints will reject all requests")
	}
	return &Service{
		llm:    llm,
		coder:  coderClient,
		secret: secret,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Routes mounts all provisioner endpoints.
func (s *Service) Routes(router *mux.Router) {
	requireSecret := middleware.RequireSecret(s.secret)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/keys/workspace", requireSecret(s.handleWorkspaceKey)).Methods(http.MethodPost)
	api.HandleFunc("/keys/self-service", middleware.RequireBearer(s.handleSelfServiceKey)).Methods(http.MethodPost)
	api.HandleFunc("/keys/info", middleware.RequireBearer(s.handleKeyInfo)).Methods(http.MethodGet)
	api.HandleFunc("/keys/reset-user", requireSecret(s.handleResetUser)).Methods(http.MethodPost)
	api.HandleFunc("/keys/list", requireSecret(s.handleListKeys)).Methods(http.MethodGet)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// issueKey runs the idempotency protocol: reuse the existing key for the
// alias, otherwise generate a new one with the scope's defaults.
func (s *Service) issueKey(ctx context.Context, w http.ResponseWriter, alias, userID, scope string, defaults ScopeDefaults, metadata map[string]interface{}) {
	existing, err := s.llm.FindKey(ctx, alias)
	if err != nil {
		s.logger.Printf("⚠️ Error checking existing key alias=%s: %v", alias, err)
	}
	if existing != "" {
		s.logger.Printf("Reusing existing key alias=%s user=%s", alias, userID)
		middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{"key": existing, "reused": true})
		return
	}

	key, err := s.llm.GenerateKey(ctx, litellm.GenerateKeyRequest{
		Alias:     alias,
		UserID:    userID,
		MaxBudget: defaults.Budget,
		RPMLimit:  defaults.RPM,
		Metadata:  metadata,
	})
	if err != nil {
		msg := err.Error()
		var upstream *litellm.UpstreamError
		if errors.As(err, &upstream) {
			msg = upstream.Body
		}
		middleware.WriteError(w, http.StatusBadGateway, fmt.Sprintf("Failed to generate key: %s", msg))
		return
	}

	s.logger.Printf("Generated key alias=%s scope=%s user=%s", alias, scope, userID)
	middleware.WriteJSON(w, http.StatusCreated, map[string]interface{}{"key": key, "reused": false})
}

// handleWorkspaceKey auto-provisions a workspace key (idempotent).
func (s *Service) handleWorkspaceKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID   string `json:"workspace_id"`
		Username      string `json:"username"`
		WorkspaceName string `json:"workspace_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	workspaceID := strings.TrimSpace(body.WorkspaceID)
	username := strings.TrimSpace(body.Username)
	if workspaceID == "" || username == "" {
		middleware.WriteError(w, http.StatusBadRequest, "workspace_id and username are required")
		return
	}

	alias := "workspace-" + workspaceID
	metadata := map[string]interface{}{
		"scope":           "workspace:" + workspaceID,
		"key_type":        "workspace",
		"created_by":      "key-provisioner",
		"created_at":      s.now().Format(time.RFC3339),
		"workspace_id":    workspaceID,
		"workspace_owner": username,
		"workspace_name":  body.WorkspaceName,
		"purpose":         "auto-provisioned workspace key",
	}
	s.issueKey(r.Context(), w, alias, username, "workspace", scopeDefaults["workspace"], metadata)
}

// handleSelfServiceKey issues a personal key. The bearer is a
// workspace-host session token; the host's user-info endpoint resolves
// it to the username that becomes the key's user id and alias suffix.
func (s *Service) handleSelfServiceKey(w http.ResponseWriter, r *http.Request, token string) {
	user, err := s.coder.CurrentUser(r.Context(), token)
	if err != nil {
		if errors.Is(err, coder.ErrInvalidSession) {
			middleware.WriteError(w, http.StatusUnauthorized, "invalid workspace-host session token")
			return
		}
		s.logger.Printf("❌ Workspace-host auth failed: %v", err)
		middleware.WriteError(w, http.StatusBadGateway, "failed to validate session token")
		return
	}
	if user.Username == "" {
		middleware.WriteError(w, http.StatusUnauthorized, "could not determine username")
		return
	}

	var body struct {
		Purpose string `json:"purpose"`
	}
	// Body is optional.
	json.NewDecoder(r.Body).Decode(&body)
	purpose := body.Purpose
	if purpose == "" {
		purpose = "personal experimentation"
	}

	alias := "user-" + user.Username
	metadata := map[string]interface{}{
		"scope":      "user:" + user.Username,
		"key_type":   "user",
		"created_by": "key-provisioner",
		"created_at": s.now().Format(time.RFC3339),
		"username":   user.Username,
		"purpose":    purpose,
	}
	s.issueKey(r.Context(), w, alias, user.Username, "user", scopeDefaults["user"], metadata)
}

// handleKeyInfo forwards the bearer virtual key to the router for
// introspection and returns the router's document as-is.
func (s *Service) handleKeyInfo(w http.ResponseWriter, r *http.Request, bearer string) {
	raw, err := s.llm.KeyInfo(r.Context(), bearer)
	if err != nil {
		var upstream *litellm.UpstreamError
		if errors.As(err, &upstream) {
			middleware.WriteError(w, upstream.StatusCode, "failed to get key info")
			return
		}
		s.logger.Printf("❌ Failed to get key info: %v", err)
		middleware.WriteError(w, http.StatusBadGateway, "failed to contact upstream router")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// handleResetUser zeroes a user's spend counter.
func (s *Service) handleResetUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID := strings.TrimSpace(body.UserID)
	if userID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "user_id required")
		return
	}

	if err := s.llm.ResetUserSpend(r.Context(), userID); err != nil {
		var upstream *litellm.UpstreamError
		if errors.As(err, &upstream) {
			s.logger.Printf("❌ Failed to reset spend user=%s: %d %s", userID, upstream.StatusCode, upstream.Body)
			middleware.WriteError(w, upstream.StatusCode, "upstream error: "+upstream.Body)
			return
		}
		middleware.WriteError(w, http.StatusBadGateway, "failed to contact upstream router")
		return
	}

	s.logger.Printf("Reset spend for user=%s", userID)
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"user_id":     userID,
		"spend_reset": true,
	})
}

// handleListKeys passes the router's key list through.
func (s *Service) handleListKeys(w http.ResponseWriter, r *http.Request) {
	raw, err := s.llm.ListKeys(r.Context())
	if err != nil {
		var upstream *litellm.UpstreamError
		if errors.As(err, &upstream) {
			s.logger.Printf("❌ Failed to list keys: %d %s", upstream.StatusCode, upstream.Body)
			middleware.WriteError(w, upstream.StatusCode, "failed to list keys")
			return
		}
		middleware.WriteError(w, http.StatusBadGateway, "failed to contact upstream router")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// handleHealth verifies router connectivity.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok := s.llm.Ready(r.Context())
	status, code := "ok", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	middleware.WriteJSON(w, code, map[string]interface{}{"status": status, "litellm": ok})
}
