package mywant

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTask(t *testing.T, e *Engine, name, wantType string, params map[string]any) *Want {
	t.Helper()
	w, err := e.CreateWant(&Want{
		Metadata: Metadata{Name: name, Type: wantType},
		Spec:     WantSpec{Params: params},
	})
	require.NoError(t, err)
	return w
}

func TestReconciler_ConfigError(t *testing.T) {
	tests := []struct {
		name     string
		wantType string
		params   map[string]any
	}{
		{"below minimum", "task", map[string]any{"count": -1}},
		{"not in enum", "task", map[string]any{"mode": "warp"}},
		{"wrong type", "task", map[string]any{"count": "three"}},
		{"unknown type", "nope", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newScriptedDispatcher()
			e, _ := newTestEngine(t, d)
			w := createTask(t, e, "bad", tt.wantType, tt.params)

			got := waitForStatus(t, e.Store, w.Metadata.ID, WantStatusConfigError)
			assert.NotEmpty(t, got.State[StateFieldError])
			assert.NotNil(t, got.Stats.CompletedAt)
			assert.Equal(t, 0, d.calls("bad", ""))
		})
	}
}

func TestReconciler_UsingSelectorMustMatch(t *testing.T) {
	d := newScriptedDispatcher()
	e, _ := newTestEngine(t, d)

	w, err := e.CreateWant(&Want{
		Metadata: Metadata{Name: "consumer", Type: "task"},
		Spec:     WantSpec{Using: []map[string]string{{"role": "source"}}},
	})
	require.NoError(t, err)
	waitForStatus(t, e.Store, w.Metadata.ID, WantStatusConfigError)

	src, err := e.CreateWant(&Want{Metadata: Metadata{Name: "source", Type: "task", Labels: map[string]string{"role": "source"}}})
	require.NoError(t, err)
	waitForHistory(t, e.Store, src.Metadata.ID, 1)

	ok, err := e.CreateWant(&Want{
		Metadata: Metadata{Name: "consumer-2", Type: "task"},
		Spec:     WantSpec{Using: []map[string]string{{"role": "source"}}},
	})
	require.NoError(t, err)
	waitForHistory(t, e.Store, ok.Metadata.ID, 1)
}

func TestReconciler_Achieved(t *testing.T) {
	d := newScriptedDispatcher()
	d.push("job", AgentResult{Outcome: OutcomeAchieved, StateUpdates: map[string]any{
		"result":                  "done",
		StateFieldReactionQueueID: "forged",
	}}, nil)
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "job", "task", nil)

	got := waitForStatus(t, e.Store, w.Metadata.ID, WantStatusAchieved)
	assert.Equal(t, "done", got.State["result"])
	assert.Equal(t, 100, got.State[StateFieldAchievingPercent])
	assert.NotContains(t, got.State, StateFieldReactionQueueID)
	assert.Equal(t, 1, got.Spec.Params["count"])
	require.NotNil(t, got.Stats.StartedAt)
	require.NotNil(t, got.Stats.CompletedAt)

	require.Len(t, got.History.AgentHistory, 1)
	rec := got.History.AgentHistory[0]
	assert.Equal(t, "task", rec.AgentName)
	assert.Equal(t, string(TriggerCreated), rec.Trigger)
	assert.Equal(t, "achieved", rec.Status)
	assert.Equal(t, 1, got.EngineState.DispatchAttempts)
}

func TestReconciler_FailedOutcome(t *testing.T) {
	d := newScriptedDispatcher()
	d.push("job", AgentResult{Outcome: OutcomeFailed, Error: "quota exceeded"}, nil)
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "job", "task", nil)

	got := waitForStatus(t, e.Store, w.Metadata.ID, WantStatusFailed)
	assert.Equal(t, "quota exceeded", got.State[StateFieldError])
	assert.Equal(t, "quota exceeded", got.History.AgentHistory[0].Error)
}

func TestReconciler_UnknownOutcomeIsModuleError(t *testing.T) {
	d := newScriptedDispatcher()
	d.push("job", AgentResult{Outcome: "maybe"}, nil)
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "job", "task", nil)

	got := waitForStatus(t, e.Store, w.Metadata.ID, WantStatusModuleError)
	assert.Contains(t, got.State[StateFieldError], "maybe")
}

func TestReconciler_RetriesUnavailableThenGivesUp(t *testing.T) {
	d := newScriptedDispatcher()
	for i := 0; i < 3; i++ {
		d.push("job", AgentResult{}, fmt.Errorf("dial agent: %w", ErrAgentUnavailable))
	}
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "job", "task", nil)

	got := waitForStatus(t, e.Store, w.Metadata.ID, WantStatusModuleError)
	assert.Equal(t, 3, d.calls("job", ""))
	assert.Equal(t, 3, got.EngineState.DispatchAttempts)
	assert.Contains(t, got.EngineState.LastError, "gave up after 3 attempts")
	require.Len(t, got.History.AgentHistory, 1)
	assert.Equal(t, string(WantStatusModuleError), got.History.AgentHistory[0].Status)
}

func TestReconciler_ShutdownDuringBackoffKeepsWantReaching(t *testing.T) {
	d := newScriptedDispatcher()
	for i := 0; i < 5; i++ {
		d.push("job", AgentResult{}, ErrAgentUnavailable)
	}
	types := NewWantTypeRegistry()
	require.NoError(t, types.Register(WantTypeDefinition{Metadata: WantTypeMetadata{Name: "task"}}))
	e, err := NewEngine(EngineConfig{
		Clock:      NewFakeClock(testEpoch),
		Dispatcher: d,
		Types:      types,
		Reconciler: ReconcilerConfig{Workers: 1, MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Second},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)

	w := createTask(t, e, "job", "task", nil)
	require.Eventually(t, func() bool { return d.calls("job", "") == 1 }, 2*time.Second, 2*time.Millisecond)
	cancel()
	e.Reconciler.Wait()

	got, err := e.Store.Get(w.Metadata.ID)
	require.NoError(t, err)
	assert.Equal(t, WantStatusReaching, got.Status)
	assert.Empty(t, got.EngineState.LastError)
	assert.Empty(t, got.History.AgentHistory)
	assert.NotContains(t, got.State, StateFieldError)

	// a fresh engine over the same wants picks the want up again
	d2 := newScriptedDispatcher()
	d2.push("job", AgentResult{Outcome: OutcomeAchieved}, nil)
	e2, err := NewEngine(EngineConfig{Clock: NewFakeClock(testEpoch), Dispatcher: d2, Types: types})
	require.NoError(t, err)
	_, err = e2.Store.Restore(e.Store.List(WantFilter{}))
	require.NoError(t, err)
	ctx2, cancel2 := context.WithCancel(context.Background())
	e2.Start(ctx2)
	t.Cleanup(func() {
		cancel2()
		e2.Reconciler.Wait()
	})

	waitForStatus(t, e2.Store, w.Metadata.ID, WantStatusAchieved)
	assert.Equal(t, 1, d2.calls("job", TriggerRestored))
}

func TestReconciler_RetryRecovers(t *testing.T) {
	d := newScriptedDispatcher()
	d.push("job", AgentResult{}, ErrAgentUnavailable)
	d.push("job", AgentResult{Outcome: OutcomeAchieved}, nil)
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "job", "task", nil)

	got := waitForStatus(t, e.Store, w.Metadata.ID, WantStatusAchieved)
	assert.Equal(t, 2, got.EngineState.DispatchAttempts)
	assert.Len(t, got.History.AgentHistory, 1)
}

func TestReconciler_CrashIsNotRetried(t *testing.T) {
	d := newScriptedDispatcher()
	d.push("job", AgentResult{}, errors.New("agent panicked"))
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "job", "task", nil)

	got := waitForStatus(t, e.Store, w.Metadata.ID, WantStatusModuleError)
	assert.Equal(t, 1, d.calls("job", ""))
	assert.Equal(t, "agent panicked", got.State[StateFieldError])
}

func TestReconciler_ApprovalFlow(t *testing.T) {
	d := newScriptedDispatcher()
	d.push("deploy", AgentResult{Outcome: OutcomeNeedsApproval, Prompt: "deploy to prod?"}, nil)
	d.push("deploy", AgentResult{Outcome: OutcomeAchieved}, nil)
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "deploy", "task", nil)

	waiting := waitForStatus(t, e.Store, w.Metadata.ID, WantStatusWaitingUserAction)
	qid := waiting.EngineState.ReactionQueueID
	require.NotEmpty(t, qid)
	assert.Equal(t, "deploy to prod?", waiting.EngineState.ReactionPrompt)
	assert.Equal(t, 1, e.Reactions.Pending())

	require.NoError(t, e.Reactions.Decide(qid, true, "approved by oncall"))
	got := waitForStatus(t, e.Store, w.Metadata.ID, WantStatusAchieved)
	assert.Equal(t, 1, d.calls("deploy", TriggerReaction))
	assert.Len(t, got.History.AgentHistory, 2)
	assert.ErrorIs(t, e.Reactions.Decide(qid, true, ""), ErrAlreadyDecided)
}

func TestReconciler_DenialUsesTypePolicy(t *testing.T) {
	d := newScriptedDispatcher()
	d.push("strict-job", AgentResult{Outcome: OutcomeNeedsApproval}, nil)
	d.push("loose-job", AgentResult{Outcome: OutcomeNeedsApproval}, nil)
	e, _ := newTestEngine(t, d)
	strict := createTask(t, e, "strict-job", "strict", nil)
	loose := createTask(t, e, "loose-job", "task", nil)

	for id, want := range map[string]WantStatus{strict.Metadata.ID: WantStatusFailed, loose.Metadata.ID: WantStatusTerminated} {
		waiting := waitForStatus(t, e.Store, id, WantStatusWaitingUserAction)
		require.NoError(t, e.Reactions.Decide(waiting.EngineState.ReactionQueueID, false, "no"))
		waitForStatus(t, e.Store, id, want)
	}
	assert.Equal(t, 0, e.Reactions.Pending())
}

func TestReconciler_CoalescesTriggers(t *testing.T) {
	d := newScriptedDispatcher()
	d.delay = 30 * time.Millisecond
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "busy", "task", nil)

	require.Eventually(t, func() bool { return d.calls("busy", "") == 1 }, 2*time.Second, time.Millisecond)
	for i := 0; i < 10; i++ {
		e.Reconciler.Enqueue(w.Metadata.ID, TriggerWebhook)
	}

	waitForHistory(t, e.Store, w.Metadata.ID, 2)
	assert.Never(t, func() bool { return d.calls("busy", "") > 2 }, 100*time.Millisecond, 5*time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.False(t, d.overlap, "two passes ran for the same want at once")
}

func TestReconciler_SuspendResumeStop(t *testing.T) {
	d := newScriptedDispatcher()
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "job", "task", nil)
	id := w.Metadata.ID
	waitForHistory(t, e.Store, id, 1)

	got, err := e.Reconciler.Suspend(id)
	require.NoError(t, err)
	assert.Equal(t, WantStatusSuspended, got.Status)

	e.Reconciler.Enqueue(id, TriggerWebhook)
	assert.Never(t, func() bool { return d.calls("job", "") > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	got, err = e.Reconciler.Resume(id)
	require.NoError(t, err)
	assert.Equal(t, WantStatusReaching, got.Status)
	require.Eventually(t, func() bool { return d.calls("job", TriggerResumed) == 1 }, 2*time.Second, 2*time.Millisecond)

	_, err = e.Reconciler.Resume(id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = e.Reconciler.Stop(id)
	require.NoError(t, err)
	assert.Equal(t, WantStatusStopped, got.Status)

	_, err = e.Reconciler.Stop(id)
	assert.ErrorIs(t, err, ErrTerminalState, "stopping a stopped want")
	_, err = e.Reconciler.Resume(id)
	assert.ErrorIs(t, err, ErrTerminalState)
	_, err = e.Reconciler.Suspend(id)
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestReconciler_Notify(t *testing.T) {
	d := newScriptedDispatcher()
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "job", "task", nil)
	id := w.Metadata.ID
	waitForHistory(t, e.Store, id, 1)

	got, err := e.Reconciler.Notify(id, map[string]any{"progress": 40, "last_fired": "x"}, TriggerAgentCallback)
	require.NoError(t, err)
	assert.Equal(t, 40, got.State["progress"])
	assert.NotContains(t, got.State, "last_fired")
	require.Eventually(t, func() bool { return d.calls("job", TriggerAgentCallback) == 1 }, 2*time.Second, 2*time.Millisecond)

	_, err = e.Reconciler.Stop(id)
	require.NoError(t, err)
	_, err = e.Reconciler.Notify(id, map[string]any{"late": true}, TriggerWebhook)
	assert.ErrorIs(t, err, ErrTerminalState)

	_, err = e.Reconciler.Notify("want-missing", nil, TriggerWebhook)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_UpdateWantSpec(t *testing.T) {
	d := newScriptedDispatcher()
	e, _ := newTestEngine(t, d)
	w := createTask(t, e, "job", "task", nil)
	waitForHistory(t, e.Store, w.Metadata.ID, 1)

	_, err := e.UpdateWantSpec(w.Metadata.ID, 999, WantSpec{Params: map[string]any{"count": 5}}, nil)
	assert.ErrorIs(t, err, ErrConflict)

	cur, err := e.Store.Get(w.Metadata.ID)
	require.NoError(t, err)
	updated, err := e.UpdateWantSpec(w.Metadata.ID, cur.Metadata.Version, WantSpec{Params: map[string]any{"count": 5}}, map[string]string{"team": "a"})
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Spec.Params["count"])
	assert.Equal(t, "a", updated.Metadata.Labels["team"])

	found, err := e.FindWant("job")
	require.NoError(t, err)
	assert.Equal(t, w.Metadata.ID, found.Metadata.ID)
}
