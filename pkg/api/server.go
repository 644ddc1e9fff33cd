package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/deterministic-agent-lab/tracegate/pkg/gate"
	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
	"github.com/deterministic-agent-lab/tracegate/pkg/identity"
)

// maxBundleBytes bounds uploaded bundle archives.
const maxBundleBytes = 256 << 20

// Server routes gate operations over HTTP.
type Server struct {
	orc      *gate.Orchestrator
	verifier *identity.Verifier
	logger   *slog.Logger
}

// NewServer creates the API server. verifier may be nil when actor
// authentication is not configured.
func NewServer(orc *gate.Orchestrator, verifier *identity.Verifier) *Server {
	return &Server{
		orc:      orc,
		verifier: verifier,
		logger:   slog.Default().With("component", "api"),
	}
}

// Handler builds the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/bundles", s.handleBundles)
	mux.HandleFunc("/bundles/", s.handleBundleAction)

	limiter := NewRateLimiter(50, 100)
	var h http.Handler = mux
	h = limiter.Middleware(h)
	h = Logging(s.logger)(h)
	h = RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBundles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBundleBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "unreadable request body")
		return
	}
	if len(body) == 0 {
		WriteBadRequest(w, "bundle bytes are required")
		return
	}

	blob := body
	// Accept base64 payloads from callers that cannot post binary bodies.
	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(body))); err == nil && looksLikeGzip(decoded) {
		blob = decoded
	}

	id, err := s.orc.Ingest(r.Context(), blob)
	if err != nil {
		WriteGateError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"bundleId": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.orc.List(r.Context())
	if err != nil {
		WriteGateError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"bundles": summaries})
}

// handleBundleAction dispatches /bundles/{id}/<action>.
func (s *Server) handleBundleAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/bundles/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		WriteNotFound(w, "bundle id missing")
		return
	}

	switch action {
	case "plan":
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w)
			return
		}
		s.handlePlan(w, r, id)
	case "approve":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w)
			return
		}
		s.handleApprove(w, r, id)
	case "commit":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w)
			return
		}
		s.handleCommit(w, r, id)
	case "revert":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w)
			return
		}
		s.handleRevert(w, r, id)
	default:
		WriteNotFound(w, "unknown bundle operation")
	}
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request, id string) {
	plan, err := s.orc.Plan(r.Context(), id)
	if err != nil {
		WriteGateError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, plan)
}

type approveRequest struct {
	Actor         string `json:"actor"`
	PolicyVersion string `json:"policyVersion,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, id string) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "invalid request body")
		return
	}

	actor := req.Actor
	// A verified bearer token overrides the body-supplied actor.
	if s.verifier != nil && s.verifier.Enabled() {
		if auth := r.Header.Get("Authorization"); auth != "" {
			verified, err := s.verifier.Actor(auth)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, gateerr.CodeSchemaViolation, "invalid actor token", nil)
				return
			}
			actor = verified
		}
	}
	if actor == "" {
		WriteBadRequest(w, "actor is required")
		return
	}

	approval, err := s.orc.Approve(r.Context(), id, actor)
	if err != nil {
		WriteGateError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "approved",
		"bundleId": id,
		"approval": approval,
	})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request, id string) {
	receipts, err := s.orc.Commit(r.Context(), id)
	if err != nil {
		WriteGateError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "committed",
		"receipts": receipts,
	})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request, id string) {
	outcomes, err := s.orc.Revert(r.Context(), id)
	if err != nil {
		WriteGateError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "reverted",
		"outcomes": outcomes,
	})
}

func looksLikeGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
