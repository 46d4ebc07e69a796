package server

import (
	"net/http"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"server":            "mywant",
		"wants":             len(s.engine.Store.List(mywant.WantFilter{})),
		"pending_reactions": s.engine.Reactions.Pending(),
		"want_types":        len(s.engine.Types.Names()),
	})
}

// serveSpec returns the embedded OpenAPI document as JSON.
func (s *Server) serveSpec(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.spec)
}
