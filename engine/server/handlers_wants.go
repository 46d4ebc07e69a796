package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// WantUpdateRequest replaces a want's spec and, when given, its labels.
type WantUpdateRequest struct {
	Metadata struct {
		Version int64             `json:"version"`
		Labels  map[string]string `json:"labels"`
	} `json:"metadata"`
	Spec mywant.WantSpec `json:"spec"`
}

type LabelRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type OwnerRequest struct {
	ParentID string `json:"parent_id"`
}

// StateCallbackRequest is posted by remote agents reporting progress.
type StateCallbackRequest struct {
	AgentName    string         `json:"agent_name"`
	StateUpdates map[string]any `json:"state_updates"`
}

func (s *Server) createWant(w http.ResponseWriter, r *http.Request) {
	var want mywant.Want
	if err := s.readBody(w, r, "WantCreate", &want); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.engine.CreateWant(&want)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info().Str("want", created.Metadata.ID).Str("name", created.Metadata.Name).Str("type", created.Metadata.Type).Msg("[SERVER] want created")
	writeJSON(w, http.StatusCreated, created)
}

// parseWantFilter reads type, status, label, owner and roots query parameters.
func parseWantFilter(r *http.Request) (mywant.WantFilter, error) {
	q := r.URL.Query()
	filter := mywant.WantFilter{
		Type:      q.Get("type"),
		OwnerID:   q.Get("owner"),
		RootsOnly: q.Get("roots") == "true",
	}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.Statuses = append(filter.Statuses, mywant.WantStatus(st))
			}
		}
	}
	for _, raw := range q["label"] {
		key, value, ok := strings.Cut(raw, ":")
		if !ok || key == "" {
			return filter, fmt.Errorf("label filter %q must be key:value: %w", raw, mywant.ErrInvalidSpec)
		}
		if filter.Labels == nil {
			filter.Labels = make(map[string]string)
		}
		filter.Labels[key] = value
	}
	return filter, nil
}

func (s *Server) listWants(w http.ResponseWriter, r *http.Request) {
	filter, err := parseWantFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Store.List(filter))
}

func (s *Server) getWant(w http.ResponseWriter, r *http.Request) {
	want, err := s.engine.Store.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, want)
}

func (s *Server) updateWant(w http.ResponseWriter, r *http.Request) {
	var req WantUpdateRequest
	if err := s.readBody(w, r, "WantUpdate", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.engine.UpdateWantSpec(mux.Vars(r)["id"], req.Metadata.Version, req.Spec, req.Metadata.Labels)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteWant(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteWant(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addLabelToWant(w http.ResponseWriter, r *http.Request) {
	var req LabelRequest
	if err := s.readBody(w, r, "LabelRequest", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.engine.Store.PatchLabel(mux.Vars(r)["id"], req.Key, req.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) removeLabelFromWant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	updated, err := s.engine.Store.RemoveLabel(vars["id"], vars["key"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) suspendWant(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Reconciler.Suspend)
}

func (s *Server) resumeWant(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Reconciler.Resume)
}

func (s *Server) stopWant(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.engine.Reconciler.Stop)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(id string) (*mywant.Want, error)) {
	updated, err := op(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) reparentWant(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if err := s.readBody(w, r, "OwnerRequest", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.engine.Graph.Reparent(id, req.ParentID); err != nil {
		s.writeError(w, r, err)
		return
	}
	want, err := s.engine.Store.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, want)
}

func (s *Server) listChildren(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.engine.Store.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	children := make([]*mywant.Want, 0)
	for _, cid := range s.engine.Graph.Children(id) {
		if child, err := s.engine.Store.Get(cid); err == nil {
			children = append(children, child)
		}
	}
	writeJSON(w, http.StatusOK, children)
}

func (s *Server) agentStateCallback(w http.ResponseWriter, r *http.Request) {
	var req StateCallbackRequest
	if err := s.readBody(w, r, "StateCallback", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	updated, err := s.engine.Reconciler.Notify(id, req.StateUpdates, mywant.TriggerAgentCallback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Debug().Str("want", id).Str("agent", req.AgentName).Int("keys", len(req.StateUpdates)).Msg("[SERVER] agent state callback")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) listWantTypes(w http.ResponseWriter, r *http.Request) {
	defs := make([]*mywant.WantTypeDefinition, 0)
	for _, name := range s.engine.Types.Names() {
		if def, ok := s.engine.Types.Get(name); ok {
			defs = append(defs, def)
		}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) getWantType(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	def, ok := s.engine.Types.Get(name)
	if !ok {
		s.writeError(w, r, fmt.Errorf("want type %s: %w", name, mywant.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, def)
}
