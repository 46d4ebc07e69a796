package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// receiveWebhook handles POST /api/v1/webhooks/{id}. The id may be a want
// id or a want name; the payload is stored as-is and the want re-triggered.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["id"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("failed to read request body: %v: %w", err, mywant.ErrInvalidSpec))
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid JSON payload: %v: %w", err, mywant.ErrInvalidSpec))
		return
	}

	want, err := s.engine.FindWant(ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := want.Metadata.ID
	_, err = s.engine.Reconciler.Notify(id, map[string]any{
		mywant.StateFieldWebhookPayload:  payload,
		mywant.StateFieldWebhookReceived: s.engine.Store.Clock().Now().Format(time.RFC3339),
		mywant.StateFieldActionByAgent:   "webhook_handler",
	}, mywant.TriggerWebhook)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.log.Info().Str("want", id).Msg("[WEBHOOK] received generic webhook")
	writeJSON(w, http.StatusOK, map[string]string{"status": "received", "want_id": id})
}
