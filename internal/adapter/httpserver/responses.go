// Package httpserver contains HTTP handlers and middleware: the OpenAI-facing
// proxy surface and the operator API.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/llm-manager/internal/domain"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain sentinel to a status code and writes the detail
// body. Unrecognized errors become 500.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUpstreamDown):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, errorBody{Detail: err.Error()})
}

// writeDetail writes an explicit status with a detail body.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}
