package mywant

import (
	"time"

	"github.com/google/uuid"
	"github.com/mohae/deepcopy"
)

// System-reserved state field names managed by the engine rather than by agents.
const (
	StateFieldAchievingPercent = "achieving_percentage" // Progress percentage of want execution (0-100)
	StateFieldFinalResult      = "final_result"
	StateFieldError            = "error"
	StateFieldActionByAgent    = "action_by_agent"
	StateFieldReactionQueueID  = "reaction_queue_id"
	StateFieldReactionResult   = "reaction_result"
	StateFieldWebhookPayload   = "webhook_payload"
	StateFieldWebhookReceived  = "webhook_received_at"
)

// engineOwnedStateFields can only be written through EngineState; agent merges drop them.
var engineOwnedStateFields = map[string]bool{
	StateFieldReactionQueueID: true,
	"schedule_gen":            true,
	"last_fired":              true,
	"dispatch_attempts":       true,
}

// IsEngineOwnedStateField reports whether key is reserved for engine bookkeeping.
func IsEngineOwnedStateField(key string) bool {
	return engineOwnedStateFields[key]
}

// OwnerReference represents a reference to an owner object
type OwnerReference struct {
	APIVersion         string `json:"apiVersion,omitempty" yaml:"apiVersion,omitempty"`
	Kind               string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Name               string `json:"name" yaml:"name"`
	ID                 string `json:"id" yaml:"id"`
	Controller         bool   `json:"controller,omitempty" yaml:"controller,omitempty"`
	BlockOwnerDeletion bool   `json:"blockOwnerDeletion,omitempty" yaml:"blockOwnerDeletion,omitempty"`
}

// Metadata contains want identification and classification info
type Metadata struct {
	ID              string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name            string            `json:"name" yaml:"name"`
	Type            string            `json:"type" yaml:"type"`
	Labels          map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	OwnerReferences []OwnerReference  `json:"ownerReferences,omitempty" yaml:"ownerReferences,omitempty"`
	Version         int64             `json:"version,omitempty" yaml:"version,omitempty"`     // Commit counter, bumped by every store mutation
	UpdatedAt       int64             `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"` // Server-managed unix timestamp
}

// WhenSpec defines a scheduled execution time for a Want.
// At is an RFC3339 instant or a time-of-day expression ("7am", "17:30").
// Every is a Go duration ("20s") or a frequency expression ("5 minutes", "day").
type WhenSpec struct {
	At    string `json:"at,omitempty" yaml:"at,omitempty"`
	Every string `json:"every,omitempty" yaml:"every,omitempty"`
}

// WantSpec contains the desired state configuration for a want
type WantSpec struct {
	Params map[string]any      `json:"params,omitempty" yaml:"params,omitempty"`
	Using  []map[string]string `json:"using,omitempty" yaml:"using,omitempty"`
	When   []WhenSpec          `json:"when,omitempty" yaml:"when,omitempty"`
}

// WantStats holds lifecycle timestamps. Each one is written at most once.
type WantStats struct {
	CreatedAt   *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// AgentExecution represents information about an agent execution
type AgentExecution struct {
	AgentName string     `json:"agent_name" yaml:"agent_name"`
	AgentType string     `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`
	Trigger   string     `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	StartTime time.Time  `json:"start_time" yaml:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Status    string     `json:"status" yaml:"status"` // "achieved", "progress", "failed", "needs_approval", "module_error"
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// WantHistory is append-only.
type WantHistory struct {
	AgentHistory []AgentExecution `json:"agentHistory,omitempty" yaml:"agentHistory,omitempty"`
}

// EngineState is the engine-owned part of a want's state. Agents never write it.
type EngineState struct {
	ReactionQueueID     string            `json:"reaction_queue_id,omitempty" yaml:"reaction_queue_id,omitempty"`
	ReactionPrompt      string            `json:"reaction_prompt,omitempty" yaml:"reaction_prompt,omitempty"`
	ReactionSubmittedAt *time.Time        `json:"reaction_submitted_at,omitempty" yaml:"reaction_submitted_at,omitempty"`
	ScheduleGen         int64             `json:"schedule_gen,omitempty" yaml:"schedule_gen,omitempty"`
	LastFired           map[int]time.Time `json:"last_fired,omitempty" yaml:"last_fired,omitempty"`
	DispatchAttempts    int               `json:"dispatch_attempts,omitempty" yaml:"dispatch_attempts,omitempty"`
	LastError           string            `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Want is the desired-state entity tracked by the engine.
type Want struct {
	Metadata    Metadata       `json:"metadata" yaml:"metadata"`
	Spec        WantSpec       `json:"spec" yaml:"spec"`
	Status      WantStatus     `json:"status,omitempty" yaml:"status,omitempty"`
	State       map[string]any `json:"state,omitempty" yaml:"state,omitempty"`
	EngineState EngineState    `json:"engine_state,omitempty" yaml:"engine_state,omitempty"`
	Stats       WantStats      `json:"stats,omitempty" yaml:"stats,omitempty"`
	History     WantHistory    `json:"history,omitempty" yaml:"history,omitempty"`
}

// generateWantID generates a UUID based want ID
func generateWantID() string {
	return "want-" + uuid.NewString()
}

// Owner returns the controlling owner reference, or nil for root wants.
func (w *Want) Owner() *OwnerReference {
	if len(w.Metadata.OwnerReferences) == 0 {
		return nil
	}
	return &w.Metadata.OwnerReferences[0]
}

// OwnerID returns the owner's want ID or "" for root wants.
func (w *Want) OwnerID() string {
	if ref := w.Owner(); ref != nil {
		return ref.ID
	}
	return ""
}

// GetState returns one agent-visible state value. reaction_queue_id is served
// from EngineState so callers see one consistent view.
func (w *Want) GetState(key string) (any, bool) {
	if key == StateFieldReactionQueueID {
		if w.EngineState.ReactionQueueID == "" {
			return nil, false
		}
		return w.EngineState.ReactionQueueID, true
	}
	v, ok := w.State[key]
	return v, ok
}

// StoreState writes an agent-owned state field. Engine-owned keys are ignored
// and reported back as false.
func (w *Want) StoreState(key string, value any) bool {
	if IsEngineOwnedStateField(key) {
		return false
	}
	if w.State == nil {
		w.State = make(map[string]any)
	}
	w.State[key] = value
	return true
}

// MergeState merges agent updates and returns the keys that were dropped
// because they are engine-owned.
func (w *Want) MergeState(updates map[string]any) []string {
	var dropped []string
	for k, v := range updates {
		if !w.StoreState(k, v) {
			dropped = append(dropped, k)
		}
	}
	return dropped
}

// AppendAgentHistory appends one execution record.
func (w *Want) AppendAgentHistory(exec AgentExecution) {
	w.History.AgentHistory = append(w.History.AgentHistory, exec)
}

// HasLabels reports whether every selector key/value is present on the want.
func (w *Want) HasLabels(selector map[string]string) bool {
	for k, v := range selector {
		if w.Metadata.Labels[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to mutate without affecting the original.
func (w *Want) Clone() *Want {
	if w == nil {
		return nil
	}
	c := *w
	if w.Metadata.Labels != nil {
		c.Metadata.Labels = make(map[string]string, len(w.Metadata.Labels))
		for k, v := range w.Metadata.Labels {
			c.Metadata.Labels[k] = v
		}
	}
	if w.Metadata.OwnerReferences != nil {
		c.Metadata.OwnerReferences = append([]OwnerReference(nil), w.Metadata.OwnerReferences...)
	}
	c.Spec.Params = copyAnyMap(w.Spec.Params)
	if w.Spec.Using != nil {
		c.Spec.Using = make([]map[string]string, len(w.Spec.Using))
		for i, sel := range w.Spec.Using {
			m := make(map[string]string, len(sel))
			for k, v := range sel {
				m[k] = v
			}
			c.Spec.Using[i] = m
		}
	}
	if w.Spec.When != nil {
		c.Spec.When = append([]WhenSpec(nil), w.Spec.When...)
	}
	c.State = copyAnyMap(w.State)
	if w.EngineState.LastFired != nil {
		c.EngineState.LastFired = make(map[int]time.Time, len(w.EngineState.LastFired))
		for k, v := range w.EngineState.LastFired {
			c.EngineState.LastFired[k] = v
		}
	}
	c.EngineState.ReactionSubmittedAt = copyTime(w.EngineState.ReactionSubmittedAt)
	c.Stats = WantStats{
		CreatedAt:   copyTime(w.Stats.CreatedAt),
		StartedAt:   copyTime(w.Stats.StartedAt),
		CompletedAt: copyTime(w.Stats.CompletedAt),
	}
	if w.History.AgentHistory != nil {
		c.History.AgentHistory = make([]AgentExecution, len(w.History.AgentHistory))
		for i, e := range w.History.AgentHistory {
			e.EndTime = copyTime(e.EndTime)
			c.History.AgentHistory[i] = e
		}
	}
	return &c
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	if c, ok := deepcopy.Copy(m).(map[string]any); ok {
		return c
	}
	return nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
