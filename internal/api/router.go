package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/health", s.handleHealthCheck)

	r.Route("/api/{site}", func(r chi.Router) {
		r.Get("/reviews", s.handleReviews)
		r.Get("/search", s.handleSearch)
	})

	// Exported CSV files are served from the downloads directory.
	fileServer := http.StripPrefix("/downloads/", http.FileServer(http.Dir(s.config.DownloadsDir)))
	r.Get("/downloads/*", fileServer.ServeHTTP)

	return r
}
