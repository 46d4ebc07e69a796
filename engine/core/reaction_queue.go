package mywant

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

type ReactionStatus string

const (
	ReactionPending  ReactionStatus = "pending"
	ReactionApproved ReactionStatus = "approved"
	ReactionDenied   ReactionStatus = "denied"
)

const DefaultReactionRetention = 24 * time.Hour

// Reaction is one approval request gating a want.
type Reaction struct {
	QueueID   string         `json:"queue_id"`
	WantID    string         `json:"want_id"`
	WantName  string         `json:"want_name,omitempty"`
	WantType  string         `json:"want_type,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Status    ReactionStatus `json:"status"`
	Comment   string         `json:"comment,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// DenialPolicy returns the status a denied want of the given type moves to.
type DenialPolicy func(wantType string) WantStatus

// DecisionFunc is called after a decision has been committed.
type DecisionFunc func(r Reaction)

// ReactionQueue holds at most one live reaction per want. Live entries are
// created and cancelled by store observers so they always mirror
// engine_state.reaction_queue_id.
type ReactionQueue struct {
	store     *Store
	clock     Clock
	retention time.Duration
	log       zerolog.Logger

	mu        sync.Mutex
	entries   map[string]*Reaction
	byWant    map[string]string
	// queue ids whose want was deleted while pending, kept for the retention window
	gone      map[string]goneReaction
	denial    DenialPolicy
	onDecided DecisionFunc
	gauge     func(pending int)
}

type goneReaction struct {
	wantID string
	at     time.Time
}

func NewReactionQueue(store *Store, retention time.Duration) *ReactionQueue {
	if retention <= 0 {
		retention = DefaultReactionRetention
	}
	rq := &ReactionQueue{
		store:     store,
		clock:     store.Clock(),
		retention: retention,
		log:       logging.For("reaction"),
		entries:   make(map[string]*Reaction),
		byWant:    make(map[string]string),
		gone:      make(map[string]goneReaction),
		denial:    func(string) WantStatus { return WantStatusTerminated },
	}
	store.Observe(rq.observe)
	store.OnRemove(func(w *Want) { rq.Cancel(w.Metadata.ID) })
	return rq
}

// SetDenialPolicy installs the per-type denial hook.
func (rq *ReactionQueue) SetDenialPolicy(p DenialPolicy) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.denial = p
}

func (rq *ReactionQueue) OnDecided(fn DecisionFunc) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.onDecided = fn
}

// OnPendingChange registers a callback receiving the live entry count.
func (rq *ReactionQueue) OnPendingChange(fn func(pending int)) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.gauge = fn
}

func (rq *ReactionQueue) observe(prev, next *Want) {
	prevID := ""
	if prev != nil {
		prevID = prev.EngineState.ReactionQueueID
	}
	nextID := next.EngineState.ReactionQueueID
	if prevID == nextID {
		return
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()
	if prevID != "" {
		if r := rq.entries[prevID]; r != nil && r.Status == ReactionPending {
			delete(rq.entries, prevID)
			rq.log.Info().Str("want", next.Metadata.ID).Str("queue", prevID).Msg("[REACTION] cancelled")
		}
		if rq.byWant[next.Metadata.ID] == prevID {
			delete(rq.byWant, next.Metadata.ID)
		}
	}
	if nextID != "" {
		rq.addLocked(next)
	}
	rq.reportLocked()
}

func (rq *ReactionQueue) addLocked(w *Want) {
	created := rq.clock.Now()
	if w.EngineState.ReactionSubmittedAt != nil {
		created = *w.EngineState.ReactionSubmittedAt
	}
	qid := w.EngineState.ReactionQueueID
	rq.entries[qid] = &Reaction{
		QueueID:   qid,
		WantID:    w.Metadata.ID,
		WantName:  w.Metadata.Name,
		WantType:  w.Metadata.Type,
		Prompt:    w.EngineState.ReactionPrompt,
		Status:    ReactionPending,
		CreatedAt: created,
	}
	rq.byWant[w.Metadata.ID] = qid
}

func (rq *ReactionQueue) reportLocked() {
	if rq.gauge != nil {
		rq.gauge(len(rq.byWant))
	}
}

// Submit creates the live reaction for wantID and moves it to
// waiting_user_action in one commit.
func (rq *ReactionQueue) Submit(wantID, prompt string) (string, error) {
	var qid string
	w, err := rq.store.Update(wantID, func(w *Want) error {
		if cur := w.EngineState.ReactionQueueID; cur != "" {
			return fmt.Errorf("want %s already waits on %s: %w", wantID, cur, ErrAlreadyPending)
		}
		now := rq.clock.Now()
		id := "rq-" + shortuuid.New()
		w.EngineState.ReactionQueueID = id
		w.EngineState.ReactionPrompt = prompt
		w.EngineState.ReactionSubmittedAt = &now
		if err := w.Transition(WantStatusWaitingUserAction, now); err != nil {
			return err
		}
		qid = id
		return nil
	})
	if err != nil {
		return "", err
	}
	rq.log.Info().Str("want", wantID).Str("queue", qid).Msg("[REACTION] submitted")
	rq.store.Emit(Event{Type: EventReactionSubmitted, WantID: wantID, QueueID: qid, Status: w.Status, Version: w.Metadata.Version})
	return qid, nil
}

// Decide applies an approval or denial. A queue id can be decided once;
// later calls return ErrAlreadyDecided until the retention window expires.
func (rq *ReactionQueue) Decide(queueID string, approved bool, comment string) error {
	rq.mu.Lock()
	rq.pruneLocked()
	r, ok := rq.entries[queueID]
	if !ok {
		g, wasGone := rq.gone[queueID]
		rq.mu.Unlock()
		if wasGone {
			rq.log.Warn().Str("want", g.wantID).Str("queue", queueID).Msg("[REACTION] want gone, decision discarded")
		}
		return fmt.Errorf("reaction %s: %w", queueID, ErrNotFound)
	}
	if r.Status != ReactionPending {
		rq.mu.Unlock()
		return fmt.Errorf("reaction %s is %s: %w", queueID, r.Status, ErrAlreadyDecided)
	}
	wantID := r.WantID
	denial := rq.denial
	rq.mu.Unlock()

	var decided Reaction
	w, err := rq.store.Update(wantID, func(w *Want) error {
		rq.mu.Lock()
		defer rq.mu.Unlock()
		if r.Status != ReactionPending {
			return fmt.Errorf("reaction %s is %s: %w", queueID, r.Status, ErrAlreadyDecided)
		}
		if w.EngineState.ReactionQueueID != queueID {
			return fmt.Errorf("reaction %s is no longer live: %w", queueID, ErrNotFound)
		}

		now := rq.clock.Now()
		w.StoreState(StateFieldReactionResult, map[string]any{
			"queue_id": queueID,
			"approved": approved,
			"comment":  comment,
		})
		if approved {
			w.EngineState.ReactionQueueID = ""
			w.EngineState.ReactionPrompt = ""
			if err := w.Transition(WantStatusReaching, now); err != nil {
				return err
			}
		} else if err := w.Transition(denial(w.Metadata.Type), now); err != nil {
			return err
		}

		// marked inside the want's lock so the commit observer leaves it alone
		r.Status = ReactionDenied
		if approved {
			r.Status = ReactionApproved
		}
		r.Comment = comment
		r.DecidedAt = &now
		decided = *r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			rq.mu.Lock()
			if r.Status == ReactionPending {
				delete(rq.entries, queueID)
			}
			rq.mu.Unlock()
			rq.log.Warn().Str("want", wantID).Str("queue", queueID).Msg("[REACTION] want gone, decision discarded")
		}
		return err
	}

	rq.mu.Lock()
	if rq.byWant[wantID] == queueID {
		delete(rq.byWant, wantID)
	}
	rq.reportLocked()
	fn := rq.onDecided
	rq.mu.Unlock()

	rq.log.Info().Str("want", wantID).Str("queue", queueID).Bool("approved", approved).Str("status", string(w.Status)).Msg("[REACTION] decided")
	rq.store.Emit(Event{Type: EventReactionDecided, WantID: wantID, QueueID: queueID, Status: w.Status, Version: w.Metadata.Version})
	if fn != nil {
		fn(decided)
	}
	return nil
}

// Cancel drops the live entry of a deleted want. Later decisions return
// ErrNotFound and are logged as discarded.
func (rq *ReactionQueue) Cancel(wantID string) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	qid, ok := rq.byWant[wantID]
	if !ok {
		return
	}
	delete(rq.byWant, wantID)
	if r := rq.entries[qid]; r != nil && r.Status == ReactionPending {
		delete(rq.entries, qid)
		rq.gone[qid] = goneReaction{wantID: wantID, at: rq.clock.Now()}
	}
	rq.reportLocked()
}

// Get returns one reaction, live or recently decided.
func (rq *ReactionQueue) Get(queueID string) (Reaction, error) {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.pruneLocked()
	r, ok := rq.entries[queueID]
	if !ok {
		return Reaction{}, fmt.Errorf("reaction %s: %w", queueID, ErrNotFound)
	}
	return *r, nil
}

// List returns all known reactions ordered by creation time.
func (rq *ReactionQueue) List() []Reaction {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	rq.pruneLocked()
	out := make([]Reaction, 0, len(rq.entries))
	for _, r := range rq.entries {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Pending returns the number of live reactions.
func (rq *ReactionQueue) Pending() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.byWant)
}

// Restore recreates live entries from engine_state after a restart.
func (rq *ReactionQueue) Restore() int {
	n := 0
	for _, w := range rq.store.List(WantFilter{}) {
		if w.EngineState.ReactionQueueID == "" {
			continue
		}
		_ = rq.store.View(w.Metadata.ID, func(live *Want) {
			if live.EngineState.ReactionQueueID == "" {
				return
			}
			rq.mu.Lock()
			rq.addLocked(live)
			rq.mu.Unlock()
			n++
		})
	}
	rq.mu.Lock()
	rq.reportLocked()
	rq.mu.Unlock()
	return n
}

func (rq *ReactionQueue) pruneLocked() {
	cutoff := rq.clock.Now().Add(-rq.retention)
	for id, r := range rq.entries {
		if r.DecidedAt != nil && r.DecidedAt.Before(cutoff) {
			delete(rq.entries, id)
		}
	}
	for id, g := range rq.gone {
		if g.at.Before(cutoff) {
			delete(rq.gone, id)
		}
	}
}
