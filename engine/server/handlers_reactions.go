package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// ReactionDecision approves or denies a pending reaction.
type ReactionDecision struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

func (s *Server) listReactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Reactions.List())
}

func (s *Server) getReaction(w http.ResponseWriter, r *http.Request) {
	reaction, err := s.engine.Reactions.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reaction)
}

func (s *Server) decideReaction(w http.ResponseWriter, r *http.Request) {
	var req ReactionDecision
	if err := s.readBody(w, r, "ReactionDecision", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.engine.Reactions.Decide(id, req.Approved, req.Comment); err != nil {
		s.writeError(w, r, err)
		return
	}
	reaction, err := s.engine.Reactions.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info().Str("queue", id).Bool("approved", req.Approved).Msg("[SERVER] reaction decided")
	writeJSON(w, http.StatusOK, reaction)
}
