package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"harvester/internal/domain"
	"harvester/internal/site"
)

// handleReviews runs the full review harvest for a search URL. With
// export_csv=true the response carries the file path instead of the data.
func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.lookupSite(w, r)
	if !ok {
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.respondWithError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	exportCSV, _ := strconv.ParseBool(r.URL.Query().Get("export_csv"))

	result, err := s.harvester.Reviews(r.Context(), adapter, rawURL, exportCSV)
	if err != nil {
		s.respondWithHarvestError(w, adapter, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, result)
}

// handleSearch fetches one normalized listing page.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.lookupSite(w, r)
	if !ok {
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.respondWithError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	result, err := s.harvester.Search(r.Context(), adapter, rawURL, page)
	if err != nil {
		s.respondWithHarvestError(w, adapter, err)
		return
	}
	s.respondWithJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "session": "none"}
	if s.sessions != nil && s.sessions.Current() != nil {
		status["session"] = "active"
	}
	s.respondWithJSON(w, http.StatusOK, status)
}

func (s *Server) lookupSite(w http.ResponseWriter, r *http.Request) (site.Adapter, bool) {
	name := chi.URLParam(r, "site")
	adapter, err := s.sites.Lookup(name)
	if err != nil {
		s.respondWithError(w, http.StatusNotFound, "unknown site: "+name)
		return nil, false
	}
	return adapter, true
}

func (s *Server) respondWithHarvestError(w http.ResponseWriter, adapter site.Adapter, err error) {
	switch {
	case errors.Is(err, domain.ErrMalformed):
		s.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		s.respondWithError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("harvest run failed",
			zap.String("site", adapter.Name()), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Helper Functions ---

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, &domain.HarvestResult{Success: false, Error: message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
