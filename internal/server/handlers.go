package server

import (
	"net/http"
	"strconv"

	"github.com/hsjoberg/lightning-box/internal/apperr"

	"github.com/go-chi/chi/v5"
)

type signedRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

var errBadBody = apperr.Validation(apperr.CodeInvalidRequest, "Invalid request body.")

func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Node.GetInfo(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Internal(err), nil)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePayRequest(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Pay.PayRequest(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePaySend(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawAmount := q.Get("amount")
	if rawAmount == "" {
		s.writeError(w, r, apperr.Validation(apperr.CodeMissingParam, "Missing parameter amount."), nil)
		return
	}
	amount, err := strconv.ParseInt(rawAmount, 10, 64)
	if err != nil {
		s.writeError(w, r, apperr.Validation(apperr.CodeInvalidAmount, "Invalid amount."), nil)
		return
	}

	resp, err := s.deps.Pay.Invoice(r.Context(), chi.URLParam(r, "username"), amount, q.Get("comment"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWithdrawRequest(w http.ResponseWriter, r *http.Request) {
	offer, err := s.deps.Withdraw.Initiate(r.Context(), chi.URLParam(r, "code"), r.URL.Query().Has("balanceCheck"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleWithdrawCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.deps.Withdraw.Callback(r.Context(), chi.URLParam(r, "code"), q.Get("k1"), q.Get("pr")); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeOK(w, nil)
}

func (s *Server) readSigned(w http.ResponseWriter, r *http.Request) (signedRequest, bool) {
	var req signedRequest
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, errBadBody.WithCause(err), nil)
		return req, false
	}
	return req, true
}

func (s *Server) handleCheckEligibility(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	existing, err := s.deps.Users.CheckEligibility(r.Context(), req.Message, req.Signature)
	if err != nil {
		s.writeError(w, r, err, existing)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	user, err := s.deps.Users.Register(r.Context(), req.Message, req.Signature)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeOK(w, &user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readSigned(w, r)
	if !ok {
		return
	}
	user, err := s.deps.Users.GetUser(r.Context(), req.Message, req.Signature)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeOK(w, &user)
}
