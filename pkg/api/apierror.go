// Package api exposes the gate over HTTP: ingest, listing, plan, approve,
// commit, and revert. Error bodies carry a machine-readable code and a
// sorted reason list.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error   string   `json:"error"`
	Detail  string   `json:"detail,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

// WriteError writes a coded error body.
func WriteError(w http.ResponseWriter, status int, code gateerr.Code, detail string, reasons []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error:   string(code),
		Detail:  detail,
		Reasons: gateerr.SortedUnique(reasons),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, gateerr.CodeSchemaViolation, detail, nil)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, gateerr.CodeNotFound, detail, nil)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, gateerr.CodeSchemaViolation,
		"the HTTP method is not supported for this endpoint", nil)
}

// WriteInternal writes a 500 error response. The cause is logged, never
// exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, gateerr.CodeIoError,
		"an unexpected error occurred", nil)
}

// WriteGateError maps a gate error onto the status codes the API promises:
// policy failures are 403, unknown bundles are 404, malformed requests 400.
func WriteGateError(w http.ResponseWriter, err error) {
	var coded *gateerr.Error
	if !errors.As(err, &coded) {
		WriteInternal(w, err)
		return
	}
	switch coded.Code {
	case gateerr.CodePolicyDenied, gateerr.CodeApprovalRequired:
		WriteError(w, http.StatusForbidden, coded.Code, coded.Message, coded.Reasons)
	case gateerr.CodeNotFound:
		WriteError(w, http.StatusNotFound, coded.Code, coded.Message, nil)
	case gateerr.CodeSchemaViolation, gateerr.CodeBundleInvalid, gateerr.CodeManifestMissing,
		gateerr.CodeManifestMalformed, gateerr.CodeComponentMissing, gateerr.CodeKindMismatch,
		gateerr.CodeHashMismatch, gateerr.CodeDuplicateIntentID:
		WriteError(w, http.StatusBadRequest, coded.Code, coded.Message, coded.Reasons)
	default:
		WriteError(w, http.StatusInternalServerError, coded.Code, coded.Message, coded.Reasons)
	}
}

// WriteJSON writes a success body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
