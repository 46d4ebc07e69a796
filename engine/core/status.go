package mywant

import "time"

// WantStatus represents the current state of a want
type WantStatus string

const (
	WantStatusCreated           WantStatus = "created"
	WantStatusReaching          WantStatus = "reaching"
	WantStatusWaitingUserAction WantStatus = "waiting_user_action" // Waiting for a reaction decision
	WantStatusSuspended         WantStatus = "suspended"
	WantStatusAchieved          WantStatus = "achieved"
	WantStatusFailed            WantStatus = "failed"
	WantStatusModuleError       WantStatus = "module_error" // Agent crashed or could not be dispatched
	WantStatusConfigError       WantStatus = "config_error" // Spec did not validate against its type
	WantStatusStopped           WantStatus = "stopped"
	WantStatusTerminated        WantStatus = "terminated"
)

var allowedTransitions = map[WantStatus][]WantStatus{
	WantStatusCreated: {
		WantStatusReaching, WantStatusConfigError, WantStatusStopped, WantStatusTerminated,
	},
	WantStatusReaching: {
		WantStatusAchieved, WantStatusFailed, WantStatusModuleError, WantStatusWaitingUserAction,
		WantStatusSuspended, WantStatusStopped, WantStatusTerminated,
	},
	WantStatusWaitingUserAction: {
		WantStatusReaching, WantStatusFailed, WantStatusTerminated, WantStatusStopped,
	},
	WantStatusSuspended: {
		WantStatusReaching, WantStatusStopped, WantStatusTerminated,
	},
}

// IsTerminal reports whether no further transitions are possible.
func (s WantStatus) IsTerminal() bool {
	switch s {
	case WantStatusAchieved, WantStatusFailed, WantStatusModuleError,
		WantStatusConfigError, WantStatusStopped, WantStatusTerminated:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known statuses.
func (s WantStatus) IsValid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether from -> to is declared.
func CanTransition(from, to WantStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the want to status. It must only be called on the private
// copy handed to a Store mutator. Moving a non-terminal want to its current
// status is a no-op; a terminal want rejects every transition.
func (w *Want) Transition(to WantStatus, now time.Time) error {
	from := w.Status
	if from == "" {
		from = WantStatusCreated
	}
	if from.IsTerminal() {
		return &TransitionError{WantID: w.Metadata.ID, From: from, To: to, Err: ErrTerminalState}
	}
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return &TransitionError{WantID: w.Metadata.ID, From: from, To: to, Err: ErrInvalidTransition}
	}
	if to == WantStatusWaitingUserAction && w.EngineState.ReactionQueueID == "" {
		return &TransitionError{WantID: w.Metadata.ID, From: from, To: to, Err: ErrInvalidTransition}
	}

	w.Status = to
	if to == WantStatusReaching && w.Stats.StartedAt == nil {
		w.Stats.StartedAt = &now
	}
	if to.IsTerminal() {
		// a terminal want cannot hold a live reaction
		w.EngineState.ReactionQueueID = ""
		w.EngineState.ReactionPrompt = ""
		if w.Stats.CompletedAt == nil {
			w.Stats.CompletedAt = &now
		}
		if to == WantStatusAchieved {
			w.StoreState(StateFieldAchievingPercent, 100)
		}
	}
	return nil
}
