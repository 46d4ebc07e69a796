package mywant

import "context"

// Trigger names why a reconcile pass runs.
type Trigger string

const (
	TriggerCreated       Trigger = "created"
	TriggerTimer         Trigger = "timer"
	TriggerAgentCallback Trigger = "agent_callback"
	TriggerWebhook       Trigger = "webhook"
	TriggerReaction      Trigger = "reaction"
	TriggerResumed       Trigger = "resumed"
	TriggerRestored      Trigger = "restored"
)

// triggerPriority orders coalesced triggers; the first present one labels the pass.
var triggerPriority = []Trigger{
	TriggerCreated, TriggerReaction, TriggerResumed, TriggerTimer,
	TriggerWebhook, TriggerAgentCallback, TriggerRestored,
}

// Outcome is what an agent reports back for one dispatch.
type Outcome string

const (
	OutcomeAchieved      Outcome = "achieved"
	OutcomeProgress      Outcome = "progress"
	OutcomeFailed        Outcome = "failed"
	OutcomeNeedsApproval Outcome = "needs_approval"
)

// AgentRequest is handed to a Dispatcher. Want is a snapshot copy.
type AgentRequest struct {
	Want      *Want   `json:"want"`
	Trigger   Trigger `json:"trigger"`
	AgentName string  `json:"agent_name"`
}

type AgentResult struct {
	Outcome      Outcome        `json:"outcome"`
	StateUpdates map[string]any `json:"state_updates,omitempty"`
	Prompt       string         `json:"prompt,omitempty"` // for needs_approval
	Error        string         `json:"error,omitempty"`  // for failed
}

// Dispatcher runs agent work outside the engine. It must return an error
// wrapping ErrAgentUnavailable when the agent could not be reached at all;
// any other error is treated as the agent crashing.
type Dispatcher interface {
	Dispatch(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, req AgentRequest) (AgentResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req AgentRequest) (AgentResult, error) {
	return f(ctx, req)
}

// Instruments receives engine measurements. telemetry.Metrics implements it.
type Instruments interface {
	ObserveTransition(wantType string, from, to WantStatus)
	ObserveDispatch(wantType string, outcome string, attempts int)
	ObserveFire(wantType string)
	SetPendingReactions(n int)
}

type noopInstruments struct{}

func (noopInstruments) ObserveTransition(string, WantStatus, WantStatus) {}
func (noopInstruments) ObserveDispatch(string, string, int)              {}
func (noopInstruments) ObserveFire(string)                               {}
func (noopInstruments) SetPendingReactions(int)                          {}
