package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tollgate-labs/tollgate/pkg/approval"
	"github.com/tollgate-labs/tollgate/pkg/contracts"
	"github.com/tollgate-labs/tollgate/pkg/gate"
	"github.com/tollgate-labs/tollgate/pkg/identity"
	"github.com/tollgate-labs/tollgate/pkg/ledger"
	"github.com/tollgate-labs/tollgate/pkg/normalizer"
)

// Server exposes the gate over HTTP.
type Server struct {
	gate      *gate.Gate
	approvals *approval.Manager
	clock     func() time.Time
}

// NewServer creates the HTTP surface for a gate. The approval manager
// may be nil when the deployment resolves approvals out of band.
func NewServer(g *gate.Gate, approvals *approval.Manager) *Server {
	return &Server{
		gate:      g,
		approvals: approvals,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Routes registers all handlers on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/authorize", s.handleAuthorize)
	mux.HandleFunc("POST /v1/sessions/{id}/intent", s.handleDeclareIntent)
	mux.HandleFunc("POST /v1/sessions/{id}/terminate", s.handleTerminate)
	mux.HandleFunc("GET /v1/sessions/{id}/decisions", s.handleSessionDecisions)
	mux.HandleFunc("GET /v1/decisions/{action_id}", s.handleGetDecision)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/resolve", s.handleResolveApproval)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AuthorizeRequest is one intercepted tool call awaiting a decision.
type AuthorizeRequest struct {
	SessionID    string          `json:"session_id"`
	ToolIdentity string          `json:"tool_identity"`
	Operation    string          `json:"operation"`
	Payload      json.RawMessage `json:"payload"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB limit
	var req AuthorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.SessionID == "" || req.Operation == "" {
		WriteBadRequest(w, "Missing required fields: session_id, operation")
		return
	}

	actor, err := identity.ActorFromContext(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	dec, err := s.gate.Authorize(r.Context(), normalizer.RawCall{
		SessionID:    req.SessionID,
		ToolIdentity: req.ToolIdentity,
		Operation:    req.Operation,
		Payload:      req.Payload,
		Actor:        actor,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// IntentRequest declares what the session is meant to accomplish.
type IntentRequest struct {
	Text       string         `json:"text"`
	Structured map[string]any `json:"structured,omitempty"`
}

func (s *Server) handleDeclareIntent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req IntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Text == "" {
		WriteBadRequest(w, "Missing required field: text")
		return
	}

	err := s.gate.DeclareIntent(r.Context(), r.PathValue("id"), contracts.IntentDeclaration{
		Text:       req.Text,
		Structured: req.Structured,
		DeclaredAt: s.clock(),
	})
	switch {
	case errors.Is(err, contracts.ErrUnknownSession):
		WriteNotFound(w, "Session is terminated")
	case err != nil:
		WriteInternal(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	err := s.gate.Terminate(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, contracts.ErrUnknownSession):
		WriteNotFound(w, "Session is already terminated")
	case err != nil:
		WriteInternal(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSessionDecisions(w http.ResponseWriter, r *http.Request) {
	list, err := s.gate.SessionDecisions(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	ri, err := s.gate.GetDecision(r.Context(), r.PathValue("action_id"))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		WriteNotFound(w, "No decision for that action")
	case err != nil:
		WriteInternal(w, err)
	default:
		writeJSON(w, http.StatusOK, ri)
	}
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeJSON(w, http.StatusOK, []approval.Request{})
		return
	}
	writeJSON(w, http.StatusOK, s.approvals.Pending())
}

// ResolveRequest is a reviewer's answer to a pending approval.
type ResolveRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		WriteNotFound(w, "Approvals are not handled by this instance")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	actor, err := identity.ActorFromContext(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	// Agents never approve their own escalations.
	if actor.Type == contracts.PrincipalAgent {
		WriteError(w, http.StatusForbidden, "Forbidden", "Agent principals cannot resolve approvals")
		return
	}

	if err := s.approvals.Resolve(r.PathValue("id"), req.Approved, actor.ID, req.Note); err != nil {
		WriteNotFound(w, "No pending approval with that ID")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
