package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/photoframe-works/orchestrator/pkg/util"
)

type errorBody struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Errorf("writing response: %v", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, util.ErrClientInput):
		status = http.StatusBadRequest
	case errors.Is(err, util.ErrPublicPhotoDisabled):
		status = http.StatusForbidden
	case errors.Is(err, util.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, util.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, util.ErrUpstream):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		util.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Detail: err.Error()})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
