package types

import (
	"context"
	"fmt"

	mywant "github.com/onelittlenightmusic/MyWant-sub007/engine/core"
)

// ApprovalAgent asks for approval on its first pass and achieves once the
// decision recorded in reaction_result is an approval. A denial never reaches
// the agent; the reaction queue finalizes the want.
func ApprovalAgent(_ context.Context, req mywant.AgentRequest) (mywant.AgentResult, error) {
	w := req.Want
	if decided, ok := w.State[mywant.StateFieldReactionResult].(map[string]any); ok {
		if approved, _ := decided["approved"].(bool); approved {
			return mywant.AgentResult{
				Outcome: mywant.OutcomeAchieved,
				StateUpdates: map[string]any{
					mywant.StateFieldFinalResult:      paramOr(w, "result", "approved"),
					mywant.StateFieldAchievingPercent: 100,
					mywant.StateFieldActionByAgent:    "approval",
				},
			}, nil
		}
	}
	prompt := paramOr(w, "prompt", "")
	if prompt == "" {
		prompt = fmt.Sprintf("Approve %s?", w.Metadata.Name)
	}
	return mywant.AgentResult{
		Outcome:      mywant.OutcomeNeedsApproval,
		Prompt:       prompt,
		StateUpdates: map[string]any{mywant.StateFieldActionByAgent: "approval"},
	}, nil
}
