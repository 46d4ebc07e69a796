package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) setupRoutes() {
	s.router.Use(corsMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")
	s.router.HandleFunc("/spec", s.serveSpec).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Wants CRUD
	wants := api.PathPrefix("/wants").Subrouter()
	wants.HandleFunc("", s.createWant).Methods("POST")
	wants.HandleFunc("", s.listWants).Methods("GET")
	wants.HandleFunc("/{id}", s.getWant).Methods("GET")
	wants.HandleFunc("/{id}", s.updateWant).Methods("PUT")
	wants.HandleFunc("/{id}", s.deleteWant).Methods("DELETE")
	wants.HandleFunc("/{id}/labels", s.addLabelToWant).Methods("POST")
	wants.HandleFunc("/{id}/labels/{key}", s.removeLabelFromWant).Methods("DELETE")
	wants.HandleFunc("/{id}/suspend", s.suspendWant).Methods("POST")
	wants.HandleFunc("/{id}/resume", s.resumeWant).Methods("POST")
	wants.HandleFunc("/{id}/stop", s.stopWant).Methods("POST")
	wants.HandleFunc("/{id}/owner", s.reparentWant).Methods("PUT")
	wants.HandleFunc("/{id}/children", s.listChildren).Methods("GET")
	wants.HandleFunc("/{id}/state", s.agentStateCallback).Methods("POST")

	// Reactions
	reactions := api.PathPrefix("/reactions").Subrouter()
	reactions.HandleFunc("", s.listReactions).Methods("GET")
	reactions.HandleFunc("/{id}", s.getReaction).Methods("GET")
	reactions.HandleFunc("/{id}", s.decideReaction).Methods("PUT")

	api.HandleFunc("/webhooks/{id}", s.receiveWebhook).Methods("POST")

	wantTypes := api.PathPrefix("/want-types").Subrouter()
	wantTypes.HandleFunc("", s.listWantTypes).Methods("GET")
	wantTypes.HandleFunc("/{name}", s.getWantType).Methods("GET")

	if s.bus != nil {
		api.HandleFunc("/events", s.streamEvents).Methods("GET")
	}

	s.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(s.handleOptions)
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// routeTemplate returns the matched mux path template, or "unmatched".
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
