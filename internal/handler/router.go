package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/edcred-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса реестра.
// Запросы чтения открыты; изменяющие операции требуют аутентификации.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/roles/{address}", h.GetRoles)
		r.Get("/educators/{address}", h.GetEducator)
		r.Get("/students/{address}", h.GetStudent)
		r.Get("/students/{address}/allowances/{testID}", h.GetAllowance)
		r.Get("/students/{address}/credentials/{testID}", h.GetCredential)
		r.Get("/tests", h.GetTestsCount)
		r.Get("/tests/{testID}", h.GetTest)
		r.Get("/token-uri", h.GetTokenURI)
		r.Get("/events", h.GetEvents)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/registrar/educators", h.RegisterEducator)
			r.Post("/registrar/students", h.RegisterStudent)
			r.Post("/registrar/certifications", h.Certify)
			r.Put("/registrar/token-uri", h.SetTokenURI)

			r.Post("/tests", h.CreateTest)
			r.Post("/tests/{testID}/claim", h.Claim)

			r.Get("/balance", h.GetBalance)
			r.Post("/balance/withdraw", h.Withdraw)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
