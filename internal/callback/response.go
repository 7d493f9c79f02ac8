package callback

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/mediabot/internal/callevent"
	"github.com/flowpbx/mediabot/internal/callleg"
	"github.com/flowpbx/mediabot/internal/platform"
	"github.com/flowpbx/mediabot/internal/workflow"
)

// envelope is the response wrapper for management endpoints and errors.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// writeWorkflow answers a platform callback. The platform reads the workflow
// document as the whole body, so it is not wrapped in an envelope.
func writeWorkflow(w http.ResponseWriter, wf *workflow.Workflow) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(wf); err != nil {
		slog.Error("failed to encode workflow response", "error", err)
	}
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// readJSON decodes a management request body into dst, rejecting unknown
// fields. Returns a user-friendly error string on failure, or "" on success.
func readJSON(r *http.Request, dst any) string {
	return decodeBody(r, dst, true)
}

// readPlatformJSON decodes a body posted by the calling platform. Unknown
// fields are tolerated since the platform adds fields without notice.
func readPlatformJSON(r *http.Request, dst any) string {
	return decodeBody(r, dst, false)
}

func decodeBody(r *http.Request, dst any, strict bool) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	if strict {
		dec.DisallowUnknownFields()
	}

	if err := dec.Decode(dst); err != nil {
		return "invalid request body"
	}

	if dec.More() {
		return "request body must contain a single json object"
	}

	return ""
}

// statusFor maps a call leg error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, callleg.ErrProtocolViolation),
		errors.Is(err, callevent.ErrMalformed),
		errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, callleg.ErrPreconditionNotMet):
		return http.StatusConflict
	case errors.Is(err, platform.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// messageFor returns the client-facing text for a call leg error. The error
// itself can carry platform links and handler output, so it stays in the log.
func messageFor(err error, legID string) string {
	switch {
	case errors.Is(err, callleg.ErrProtocolViolation):
		return "protocol violation on call leg " + legID
	case errors.Is(err, callevent.ErrMalformed):
		return "malformed payload"
	case errors.Is(err, workflow.ErrValidation):
		return "invalid workflow"
	case errors.Is(err, callleg.ErrPreconditionNotMet):
		return "call leg " + legID + " is not established"
	case errors.Is(err, platform.ErrTransport):
		return "calling platform request failed"
	default:
		return "internal error"
	}
}

// writeLegError logs err against the leg and writes the status statusFor
// picks with the fixed message for its class.
func writeLegError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, c *callleg.Controller, err error) {
	status := statusFor(err)
	logger.Warn("call leg request failed",
		"request_id", chimw.GetReqID(r.Context()),
		"call_leg_id", c.CallLegID(),
		"correlation_id", c.CorrelationID(),
		"status", status,
		"error", err,
	)
	writeError(w, status, messageFor(err, c.CallLegID()))
}
