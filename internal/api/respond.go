package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/vietddude/custody/internal/core/domain"
)

const (
	codeUnauthenticated = "unauthenticated"
	codeMFARequired     = "mfa_required"
	codeBadRequest      = "bad_request"
	codeInternal        = domain.CodeInternal
)

// problem is the error body.
type problem struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Request *domain.Request `json:"request,omitempty"`
}

// statusFor maps stable error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case domain.CodeValidation, domain.CodeInvalidPartialAmount:
		return http.StatusBadRequest
	case domain.CodePermissionDenied, domain.CodeSelfApproval:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeAlreadyDecided, domain.CodeAlreadyExecuted, domain.CodeNotApproved,
		domain.CodeNotExecuted, domain.CodeAlreadyReversed, domain.CodeInProgress, domain.CodeInvalidTransition,
		domain.CodeDuplicateApproval, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeExpired:
		return http.StatusGone
	case domain.CodeLimitExceeded, domain.CodeStaleBalance:
		return http.StatusUnprocessableEntity
	case domain.CodeExternalAdapter:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeProblem(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, problem{Status: "error", Code: code, Message: msg})
}

// writeError renders a service error. req, when the call produced one, is
// returned alongside so clients see the state the failure left behind.
func writeError(w http.ResponseWriter, r *http.Request, err error, req *domain.Request) {
	code := domain.Code(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "admin_id", adminID(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, problem{Status: "error", Code: code, Message: msg, Request: req})
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
