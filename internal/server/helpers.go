package server

import (
	"encoding/json"
	"net/http"

	"github.com/hsjoberg/lightning-box/internal/apperr"
	"github.com/hsjoberg/lightning-box/internal/users"

	"github.com/go-chi/chi/v5/middleware"
)

type statusBody struct {
	Status string         `json:"status"`
	Code   string         `json:"code,omitempty"`
	Reason string         `json:"reason,omitempty"`
	User   *users.Profile `json:"user,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func readJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeOK(w http.ResponseWriter, user *users.Profile) {
	writeJSON(w, http.StatusOK, statusBody{Status: "OK", User: user})
}

// writeError maps err onto the LNURL error convention. Unavailable errors are
// protocol-level failures and keep status 200.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, user *users.Profile) {
	appErr := apperr.From(err)
	body := statusBody{Status: "ERROR", Reason: appErr.Reason, User: user}

	switch appErr.Kind {
	case apperr.KindUnavailable:
		writeJSON(w, http.StatusOK, body)
	case apperr.KindInternal:
		s.logger.Error().
			Err(appErr.Cause).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, body)
	default:
		body.Code = appErr.Code
		writeJSON(w, http.StatusBadRequest, body)
	}
}
