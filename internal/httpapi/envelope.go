// Package httpapi exposes CharHub's REST surface: a gorilla/mux router
// adapted from the teacher's internal/api/server.go, a uniform
// {success, data, error} response envelope (§6.2), and the
// ConversationService that both this package's own handlers and
// sessionhub.Hub's send_message event call into — one code path for
// "append a message and decide who responds" regardless of transport.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ocx/backend/internal/errs"
)

// Envelope is the uniform response shape every endpoint returns (§6.2).
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Envelope{Success: true, Data: data})
}

// writeError maps an errs.Kind to an HTTP status per §7/§6.2 and writes
// the envelope's error branch. Errors that aren't a *errs.CoreError are
// treated as KindFatal, same convention as errs.KindOf.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	code := "internal_error"
	message := err.Error()

	if ce, ok := err.(*errs.CoreError); ok {
		code = ce.Code
		message = ce.Message
	}

	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindAuth:
		status = http.StatusUnauthorized
		if code == "forbidden" {
			status = http.StatusForbidden
		}
	case errs.KindPolicy:
		status = http.StatusTooManyRequests
		if code == "age_restricted" {
			status = http.StatusForbidden
		}
		if code == "insufficient_credits" {
			status = http.StatusPaymentRequired
		}
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindTransient:
		status = http.StatusServiceUnavailable
	case errs.KindFatal:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, Envelope{Success: false, Error: &ErrorBody{Code: code, Message: message}})
}
