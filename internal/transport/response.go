// Package transport contains the HTTP router, middleware chain, and request
// handlers of the approval API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/pitabwire/steward/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:                    http.StatusBadRequest,
	model.ErrUnauthorized:                  http.StatusUnauthorized,
	model.ErrForbidden:                     http.StatusForbidden,
	model.ErrNotFound:                      http.StatusNotFound,
	model.ErrConflict:                      http.StatusConflict,
	model.ErrValidationError:               http.StatusUnprocessableEntity,
	model.ErrInternalError:                 http.StatusInternalServerError,
	model.ErrNoTemplateFound:               http.StatusUnprocessableEntity,
	model.ErrNotAuthorizedOrAlreadyDecided: http.StatusForbidden,
	model.ErrRequestNotPending:             http.StatusConflict,
	model.ErrInvariantViolation:            http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err. Errors that are not envelopes
// map to 500.
func StatusFor(err error) int {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		if status, ok := statusForCode[ee.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as {"error": envelope}. Errors that are not
// envelopes, and internal envelopes, are replaced by a generic
// INTERNAL_ERROR so infrastructure details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusFor(err)

	var ee *model.ErrorEnvelope
	if status == http.StatusInternalServerError || !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// queryInt reads an integer query parameter, returning def when it is absent
// or malformed.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
