package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// httpStatus maps an engine error code to its HTTP status.
func httpStatus(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "invalid_spec":
		return http.StatusBadRequest
	case "already_exists", "conflict", "already_pending", "already_decided",
		"cycle_detected", "already_terminal", "invalid_transition":
		return http.StatusConflict
	case "agent_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := mywant.ErrorCode(err)
	status := httpStatus(code)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("[SERVER] request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

// readBody reads the request body and validates it against schemaName.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, schemaName string, into any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %v: %w", err, mywant.ErrInvalidSpec)
	}
	if err := s.validateBody(schemaName, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, mywant.ErrInvalidSpec)
	}
	return nil
}
