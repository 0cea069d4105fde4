package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/martechdevs/livechat/internal/store"
)

// Machine-readable error codes returned in the "code" field.
const (
	codeInvalidBody          = "invalid_body"
	codeCustomerIDRequired   = "customer_id_required"
	codeEmptyContent         = "empty_content"
	codeContentTooLong       = "content_too_long"
	codeConversationClosed   = "conversation_closed"
	codeConversationNotFound = "conversation_not_found"
	codeInvalidSignature     = "invalid_signature"
	codeInvalidTransition    = "invalid_transition"
	codeInvalidAnswer        = "invalid_answer"
	codeInternal             = "internal"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "invalid request body")
		return false
	}
	return true
}

// writeLookupError maps a conversation lookup failure to a response.
func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeConversationNotFound, "conversation not found")
		return
	}
	writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
}
