package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Navigation source events
	mux.HandleFunc("/api/navigation", s.app.AnalyzerHandler.NavigationHandler) // POST
	mux.HandleFunc("/api/contexts/", s.app.AnalyzerHandler.ContextRoutes)      // DELETE /{id}, POST /{id}/ready

	// Queries
	mux.HandleFunc("/api/results/", s.app.AnalyzerHandler.ResultHandler) // GET /{id}
	mux.HandleFunc("/api/history", s.app.AnalyzerHandler.HistoryHandler) // GET ?limit=N
	mux.HandleFunc("/api/status", s.app.AnalyzerHandler.StatusHandler)   // GET

	// Analyzer control
	mux.HandleFunc("/api/analyzer/", s.handleAnalyzerRoutes)

	// System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleAnalyzerRoutes dispatches /api/analyzer/{enable|disable|toggle}
func (s *Server) handleAnalyzerRoutes(w http.ResponseWriter, r *http.Request) {
	routes := []PathSuffixRouter{
		{Suffix: "enable", Handler: s.app.AnalyzerHandler.EnableHandler},
		{Suffix: "disable", Handler: s.app.AnalyzerHandler.DisableHandler},
		{Suffix: "toggle", Handler: s.app.AnalyzerHandler.ToggleHandler},
		{Suffix: "", Handler: func(w http.ResponseWriter, r *http.Request) {
			RouteByMethod(w, r, MethodRouter{"GET": s.app.AnalyzerHandler.StatusHandler})
		}},
	}
	if !RouteByPathSuffix(w, r, "/api/analyzer/", routes) {
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}
