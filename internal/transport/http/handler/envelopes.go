package handler

import (
	"encoding/json"
	"net/http"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorEnvelope is returned for every failed request. Reason is set for
// delivery failures only.
type ErrorEnvelope struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// emailRequest and phoneRequest are the OTP endpoint bodies. The tags only
// check shape; format rules live in the engine next to normalization.
type emailRequest struct {
	Email string `json:"email" validate:"required,max=254"`
	Code  string `json:"code" validate:"omitempty,max=16"`
}

type phoneRequest struct {
	Phone string `json:"phone" validate:"required,max=20"`
	Code  string `json:"code" validate:"omitempty,max=16"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorEnvelope{Error: msg})
}
