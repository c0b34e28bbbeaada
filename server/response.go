package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/teranos/scribe/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErrorFor maps err onto an HTTP status. Hints are included so
// callers see how to fix a rejected request.
func (s *ScribeServer) writeErrorFor(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}

	body := map[string]interface{}{"error": err.Error()}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		body["hints"] = hints
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errors.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes a JSON request body, rejecting unknown fields
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return err
	}
	return nil
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewValidationError("%s must be an integer, got %q", key, raw)
	}
	return n, nil
}
