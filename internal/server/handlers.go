package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shinrai-ai/trustwrapper/internal/audit"
	"github.com/shinrai-ai/trustwrapper/internal/auth"
	"github.com/shinrai-ai/trustwrapper/internal/engine"
	"github.com/shinrai-ai/trustwrapper/internal/metrics"
	"github.com/shinrai-ai/trustwrapper/internal/model"
)

// AuditReader serves the audit trail over the API. Both sink implementations
// satisfy it.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	engine              *engine.Engine
	metrics             *metrics.Recorder
	jwtMgr              *auth.JWTManager
	keyring             *auth.Keyring
	auditReader         AuditReader
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	maxTotal            time.Duration
	openAPISpec         []byte
}

// authTokenRequest is the body of POST /auth/token.
type authTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// authTokenResponse is the success body of POST /auth/token.
type authTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleAuthToken exchanges a client's API key for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.keyring == nil || h.keyring.Empty() {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "authentication is not enabled")
		return
	}

	var req authTokenRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed request body")
		return
	}
	if req.ClientID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "client_id and api_key are required")
		return
	}

	if !h.keyring.Authenticate(req.ClientID, req.APIKey) {
		writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(req.ClientID)
	if err != nil {
		h.logger.Error("token issuance failed", "client_id", req.ClientID, "error", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "could not issue token")
		return
	}
	writeJSON(w, r, http.StatusOK, authTokenResponse{Token: token, ExpiresAt: exp})
}

// verifyRequest is the body of POST /v1/verify.
type verifyRequest struct {
	RequestID       string         `json:"request_id"`
	Kind            string         `json:"kind"`
	Payload         map[string]any `json:"payload"`
	PreservePrivacy bool           `json:"preserve_privacy"`
	OracleSources   []string       `json:"oracle_sources,omitempty"`
	Compliance      []string       `json:"compliance,omitempty"`
}

// HandleVerify runs one verification. Claim-level failures are reported in
// the result body, not as HTTP errors; only a malformed envelope is a 400.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "malformed request body")
		return
	}

	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	result := h.engine.Verify(r.Context(), model.Request{
		RequestID:       req.RequestID,
		Kind:            model.Kind(req.Kind),
		Payload:         req.Payload,
		CreatedAt:       time.Now().UnixNano(),
		PreservePrivacy: req.PreservePrivacy,
		OracleSources:   req.OracleSources,
		Compliance:      req.Compliance,
	})
	writeJSON(w, r, http.StatusOK, result)
}

// HandleHealth reports the component health roll-up.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.metrics.Health(h.maxTotal)
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, map[string]any{
		"version": h.version,
		"health":  health,
		"sources": h.engine.OracleSnapshot(),
	})
}

// HandleStats reports verification aggregates, cache counters, and
// per-source oracle stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"verifications": h.metrics.Snapshot(),
		"cache":         h.engine.CacheStats(),
		"sources":       h.engine.OracleSnapshot(),
	})
}

// HandleAuditRecent returns the most recent audit trail entries.
func (h *Handlers) HandleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if h.auditReader == nil {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "audit trail is not enabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	records, err := h.auditReader.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("audit read failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "could not read audit trail")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"records": records})
}

// HandleCacheFlush drops all cached verification results.
func (h *Handlers) HandleCacheFlush(w http.ResponseWriter, r *http.Request) {
	h.engine.FlushCache()
	writeJSON(w, r, http.StatusOK, map[string]any{"flushed": true})
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openAPISpec) == 0 {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "openapi spec not embedded")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openAPISpec)
}
