// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/capitalize-ai/inbox-sync/internal/backend"
	"github.com/capitalize-ai/inbox-sync/internal/inbox"
	"github.com/capitalize-ai/inbox-sync/internal/model"
	"github.com/capitalize-ai/inbox-sync/internal/session"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// engineError is the body of a failed engine operation. Kind, Op, IDs and
// Prior let the client offer a retry.
type engineError struct {
	Error string                  `json:"error"`
	Kind  inbox.ErrorKind         `json:"kind,omitempty"`
	Op    string                  `json:"op,omitempty"`
	IDs   []string                `json:"ids,omitempty"`
	Prior map[string]model.Status `json:"prior,omitempty"`
}

// writeEngineError maps engine, store and session errors to responses.
func writeEngineError(w http.ResponseWriter, err error) {
	var ie *inbox.Error
	switch {
	case errors.As(err, &ie):
		status := http.StatusBadGateway
		switch {
		case ie.Kind == inbox.KindPartialBatchFailure:
			status = http.StatusMultiStatus
		case errors.Is(ie.Err, backend.ErrNotFound):
			status = http.StatusNotFound
		}
		writeJSON(w, status, engineError{
			Error: ie.Message(),
			Kind:  ie.Kind,
			Op:    ie.Op,
			IDs:   ie.IDs,
			Prior: ie.Prior,
		})
	case errors.Is(err, inbox.ErrEmptyReply), errors.Is(err, model.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backend.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, inbox.ErrSuperseded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, inbox.ErrClosed), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "inbox session closed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
