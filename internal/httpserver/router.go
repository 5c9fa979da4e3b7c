package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

func newRouter(logger *zap.Logger, svc Service, allowedOrigins []string) http.Handler {
	h := &handler{
		svc:    svc,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(zapRequestLogger(logger))
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler)

	r.Get("/health", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Route("/me/preferences", func(r chi.Router) {
			r.Get("/", h.handlePreferencesGet)
			r.Put("/", h.handlePreferencesPut)
		})

		r.Route("/matching", func(r chi.Router) {
			r.Post("/request", h.handleMatchingRequest)
			r.Post("/accept", h.handleMatchingAccept)
			r.Post("/rematch", h.handleMatchingRematch)
		})

		r.Route("/pods", func(r chi.Router) {
			r.Get("/", h.handlePodsList)
			r.Route("/{podID}", func(r chi.Router) {
				r.Get("/", h.handlePodGet)
				r.Delete("/", h.handlePodLeave)
				r.Post("/complete", h.handlePodComplete)
			})
		})
	})

	return r
}

func zapRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info(
				"http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
