package types

import (
	"context"
	"math"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

const defaultCounterStep = 10

// CounterAgent adds step to achieving_percentage on every pass and achieves
// at 100.
func CounterAgent(_ context.Context, req mywant.AgentRequest) (mywant.AgentResult, error) {
	w := req.Want
	step, ok := toFloat(w.Spec.Params["step"])
	if !ok || step <= 0 {
		step = defaultCounterStep
	}
	current, _ := toFloat(w.State[mywant.StateFieldAchievingPercent])
	next := math.Min(current+step, 100)
	passes, _ := toFloat(w.State["passes"])

	updates := map[string]any{
		mywant.StateFieldAchievingPercent: next,
		"passes":                          passes + 1,
		"last_trigger":                    string(req.Trigger),
	}
	if next >= 100 {
		updates[mywant.StateFieldFinalResult] = next
		return mywant.AgentResult{Outcome: mywant.OutcomeAchieved, StateUpdates: updates}, nil
	}
	return mywant.AgentResult{Outcome: mywant.OutcomeProgress, StateUpdates: updates}, nil
}
