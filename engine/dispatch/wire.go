package dispatch

import (
	"fmt"
	"strings"
	"time"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// ExecuteRequest is sent to an external agent service.
type ExecuteRequest struct {
	WantID      string         `json:"want_id"`
	WantName    string         `json:"want_name"`
	WantType    string         `json:"want_type"`
	AgentName   string         `json:"agent_name"`
	Operation   string         `json:"operation"`
	Trigger     string         `json:"trigger"`
	WantState   map[string]any `json:"want_state"`
	Params      map[string]any `json:"params,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

// ExecuteResponse is received from an external agent service.
type ExecuteResponse struct {
	Status          string         `json:"status"` // completed, running, failed, needs_approval
	StateUpdates    map[string]any `json:"state_updates,omitempty"`
	Prompt          string         `json:"prompt,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms,omitempty"`
}

func newExecuteRequest(req mywant.AgentRequest, callbackURL string) ExecuteRequest {
	w := req.Want
	return ExecuteRequest{
		WantID:      w.Metadata.ID,
		WantName:    w.Metadata.Name,
		WantType:    w.Metadata.Type,
		AgentName:   req.AgentName,
		Operation:   "execute",
		Trigger:     string(req.Trigger),
		WantState:   w.State,
		Params:      w.Spec.Params,
		CallbackURL: strings.ReplaceAll(callbackURL, "{id}", w.Metadata.ID),
	}
}

// toResult maps the wire status onto an engine outcome.
func (r ExecuteResponse) toResult() (mywant.AgentResult, error) {
	res := mywant.AgentResult{StateUpdates: r.StateUpdates, Prompt: r.Prompt, Error: r.Error}
	switch strings.ToLower(r.Status) {
	case "completed", "achieved":
		res.Outcome = mywant.OutcomeAchieved
	case "running", "progress", "":
		res.Outcome = mywant.OutcomeProgress
	case "failed":
		res.Outcome = mywant.OutcomeFailed
	case "needs_approval":
		res.Outcome = mywant.OutcomeNeedsApproval
	default:
		return mywant.AgentResult{}, fmt.Errorf("agent returned unknown status %q", r.Status)
	}
	return res, nil
}

// AgentRequest rebuilds the engine-side request on the agent service side.
// The want carries only what the wire format transfers.
func (r ExecuteRequest) AgentRequest() mywant.AgentRequest {
	return mywant.AgentRequest{
		Want: &mywant.Want{
			Metadata: mywant.Metadata{ID: r.WantID, Name: r.WantName, Type: r.WantType},
			Spec:     mywant.WantSpec{Params: r.Params},
			State:    r.WantState,
		},
		Trigger:   mywant.Trigger(r.Trigger),
		AgentName: r.AgentName,
	}
}

// NewExecuteResponse encodes an agent result for the wire.
func NewExecuteResponse(res mywant.AgentResult, elapsed time.Duration) ExecuteResponse {
	status := string(res.Outcome)
	switch res.Outcome {
	case mywant.OutcomeAchieved:
		status = "completed"
	case mywant.OutcomeProgress:
		status = "running"
	}
	return ExecuteResponse{
		Status:          status,
		StateUpdates:    res.StateUpdates,
		Prompt:          res.Prompt,
		Error:           res.Error,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}
