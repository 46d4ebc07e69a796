package mywant

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReactions(t *testing.T) (*Store, *ReactionQueue, *FakeClock) {
	t.Helper()
	s, clock := newTestStore(t)
	return s, NewReactionQueue(s, 0), clock
}

func mustReaching(t *testing.T, s *Store, name string) *Want {
	t.Helper()
	w := mustCreate(t, s, name, nil, false)
	out, err := s.Update(w.Metadata.ID, func(x *Want) error {
		return x.Transition(WantStatusReaching, s.Clock().Now())
	})
	require.NoError(t, err)
	return out
}

func TestReactionQueue_SubmitAndApprove(t *testing.T) {
	s, rq, _ := newTestReactions(t)
	w := mustReaching(t, s, "deploy")

	var decided []Reaction
	rq.OnDecided(func(r Reaction) { decided = append(decided, r) })

	qid, err := rq.Submit(w.Metadata.ID, "ship it?")
	require.NoError(t, err)
	assert.Contains(t, qid, "rq-")
	assert.Equal(t, 1, rq.Pending())

	waiting, _ := s.Get(w.Metadata.ID)
	assert.Equal(t, WantStatusWaitingUserAction, waiting.Status)
	assert.Equal(t, qid, waiting.EngineState.ReactionQueueID)

	r, err := rq.Get(qid)
	require.NoError(t, err)
	assert.Equal(t, ReactionPending, r.Status)
	assert.Equal(t, "ship it?", r.Prompt)
	assert.Equal(t, "deploy", r.WantName)

	require.NoError(t, rq.Decide(qid, true, "go"))

	got, _ := s.Get(w.Metadata.ID)
	assert.Equal(t, WantStatusReaching, got.Status)
	assert.Empty(t, got.EngineState.ReactionQueueID)
	assert.Equal(t, map[string]any{"queue_id": qid, "approved": true, "comment": "go"}, got.State[StateFieldReactionResult])
	assert.Equal(t, 0, rq.Pending())

	require.Len(t, decided, 1)
	assert.Equal(t, ReactionApproved, decided[0].Status)
	assert.Equal(t, w.Metadata.ID, decided[0].WantID)

	// the id is remembered as decided
	assert.ErrorIs(t, rq.Decide(qid, true, ""), ErrAlreadyDecided)
	assert.ErrorIs(t, rq.Decide(qid, false, ""), ErrAlreadyDecided)
	r, err = rq.Get(qid)
	require.NoError(t, err)
	assert.Equal(t, ReactionApproved, r.Status)
	assert.Equal(t, "go", r.Comment)
	assert.Len(t, decided, 1)
}

func TestReactionQueue_SubmitTwiceKeepsFirst(t *testing.T) {
	s, rq, _ := newTestReactions(t)
	w := mustReaching(t, s, "deploy")

	first, err := rq.Submit(w.Metadata.ID, "one")
	require.NoError(t, err)
	_, err = rq.Submit(w.Metadata.ID, "two")
	assert.ErrorIs(t, err, ErrAlreadyPending)

	got, _ := s.Get(w.Metadata.ID)
	assert.Equal(t, first, got.EngineState.ReactionQueueID)
	assert.Equal(t, "one", got.EngineState.ReactionPrompt)
	assert.Len(t, rq.List(), 1)
}

func TestReactionQueue_SubmitNeedsReaching(t *testing.T) {
	s, rq, _ := newTestReactions(t)
	w := mustCreate(t, s, "fresh", nil, false)
	_, err := rq.Submit(w.Metadata.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 0, rq.Pending())

	_, err = rq.Submit("want-missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReactionQueue_DenialPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy DenialPolicy
		want   WantStatus
	}{
		{"default terminates", nil, WantStatusTerminated},
		{"type asks for failed", func(string) WantStatus { return WantStatusFailed }, WantStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, rq, _ := newTestReactions(t)
			if tt.policy != nil {
				rq.SetDenialPolicy(tt.policy)
			}
			w := mustReaching(t, s, "deploy")
			qid, err := rq.Submit(w.Metadata.ID, "")
			require.NoError(t, err)

			require.NoError(t, rq.Decide(qid, false, "no"))
			got, _ := s.Get(w.Metadata.ID)
			assert.Equal(t, tt.want, got.Status)
			assert.Empty(t, got.EngineState.ReactionQueueID)
			assert.Equal(t, false, got.State[StateFieldReactionResult].(map[string]any)["approved"])

			assert.ErrorIs(t, rq.Decide(qid, true, ""), ErrAlreadyDecided)
		})
	}
}

func TestReactionQueue_DecidedForgottenAfterRetention(t *testing.T) {
	s, rq, clock := newTestReactions(t)
	w := mustReaching(t, s, "deploy")
	qid, err := rq.Submit(w.Metadata.ID, "")
	require.NoError(t, err)
	require.NoError(t, rq.Decide(qid, true, ""))

	clock.Advance(DefaultReactionRetention + time.Minute)
	_, err = rq.Get(qid)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, rq.Decide(qid, true, ""), ErrNotFound)
}

func TestReactionQueue_DeleteCancels(t *testing.T) {
	s, rq, _ := newTestReactions(t)
	w := mustReaching(t, s, "deploy")
	qid, err := rq.Submit(w.Metadata.ID, "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(w.Metadata.ID))
	assert.Equal(t, 0, rq.Pending())
	assert.ErrorIs(t, rq.Decide(qid, true, ""), ErrNotFound)
}

func TestReactionQueue_DecideAfterDeleteIsLogged(t *testing.T) {
	s, rq, clock := newTestReactions(t)
	var buf bytes.Buffer
	rq.log = zerolog.New(&buf)

	w := mustReaching(t, s, "deploy")
	qid, err := rq.Submit(w.Metadata.ID, "")
	require.NoError(t, err)
	require.NoError(t, s.Delete(w.Metadata.ID))

	assert.ErrorIs(t, rq.Decide(qid, false, "too late"), ErrNotFound)
	assert.Contains(t, buf.String(), "want gone, decision discarded")
	assert.Contains(t, buf.String(), w.Metadata.ID)

	buf.Reset()
	clock.Advance(DefaultReactionRetention + time.Minute)
	assert.ErrorIs(t, rq.Decide(qid, false, ""), ErrNotFound)
	assert.NotContains(t, buf.String(), "decision discarded")

	buf.Reset()
	assert.ErrorIs(t, rq.Decide("rq-unknown", true, ""), ErrNotFound)
	assert.Empty(t, buf.String())
}

func TestReactionQueue_TerminalCancels(t *testing.T) {
	s, rq, _ := newTestReactions(t)
	w := mustReaching(t, s, "deploy")
	qid, err := rq.Submit(w.Metadata.ID, "")
	require.NoError(t, err)

	_, err = s.Update(w.Metadata.ID, func(x *Want) error {
		return x.Transition(WantStatusStopped, s.Clock().Now())
	})
	require.NoError(t, err)

	assert.Equal(t, 0, rq.Pending())
	assert.ErrorIs(t, rq.Decide(qid, true, ""), ErrNotFound)
	got, _ := s.Get(w.Metadata.ID)
	assert.Equal(t, WantStatusStopped, got.Status)
}

func TestReactionQueue_RestoreRecreatesLiveEntries(t *testing.T) {
	src, rq, _ := newTestReactions(t)
	w := mustReaching(t, src, "deploy")
	qid, err := rq.Submit(w.Metadata.ID, "still?")
	require.NoError(t, err)

	dst, _ := newTestStore(t)
	restored := NewReactionQueue(dst, 0)
	_, err = dst.Restore(src.List(WantFilter{}))
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Restore())

	r, err := restored.Get(qid)
	require.NoError(t, err)
	assert.Equal(t, ReactionPending, r.Status)
	assert.Equal(t, "still?", r.Prompt)

	require.NoError(t, restored.Decide(qid, true, ""))
	got, _ := dst.Get(w.Metadata.ID)
	assert.Equal(t, WantStatusReaching, got.Status)
}
