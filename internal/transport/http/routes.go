package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/annotate", func(r chi.Router) {
			r.Post("/", h.CreateJob)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetStatus)
				r.Post("/", h.UpdateJob)
				r.Delete("/", h.DeleteJob)
				r.Get("/log", h.GetLog)

				r.Route("/results", func(r chi.Router) {
					r.Get("/", h.GetResults)
					r.Get("/segments", h.GetSegments)
					r.Get("/segment/{segname}/{what}", h.GetSegmentData)
					r.Get("/system/{what}", h.GetSystemFile)
				})
			})
		})

		r.Get("/files/{id}/{filename}", h.GetStructureFile)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
