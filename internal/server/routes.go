package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger())
	r.Use(cors)

	r.Get("/getInfo", s.handleGetInfo)

	r.Get("/.well-known/lnurlp/{username}", s.handlePayRequest)
	r.Get("/lightning-address/{username}/send", s.handlePaySend)

	r.Route("/withdraw/{code}", func(r chi.Router) {
		r.Get("/", s.handleWithdrawRequest)
		r.Get("/callback", s.handleWithdrawCallback)
	})

	r.Route("/user", func(r chi.Router) {
		r.Post("/check-eligibility", s.handleCheckEligibility)
		r.Post("/register", s.handleRegister)
		r.Post("/get-user", s.handleGetUser)
	})

	return r
}
