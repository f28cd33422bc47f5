package auth

import (
	"encoding/json"
	"net/http"
)

// envelope is the {ok, error, data} response wrapper every HTTP contract in
// §6 uses. It lives here (rather than internal/api) so both this package's
// own middleware-rejection responses and internal/api's handlers write the
// exact same shape.
type envelope struct {
	OK    bool            `json:"ok"`
	Error *envelopeError  `json:"error,omitempty"`
	Data  any             `json:"data,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a {ok:false, error:{code,message}} envelope.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: false, Error: &envelopeError{Code: code, Message: message}})
}

// WriteData writes a {ok:true, data} envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}
