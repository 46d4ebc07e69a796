package mywant

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

// TriggerHandle identifies one armed instant of a (want, rule index) pair.
type TriggerHandle struct {
	WantID  string
	Rule    int
	Spec    WhenSpec
	Gen     int64
	Instant time.Time

	timer Timer
}

// FireFunc is called with the committed want after a fire has been
// recorded in last_fired.
type FireFunc func(w *Want, rule int, instant time.Time)

// Scheduler arms `when` rules. Its cancellation table is only mutated from
// paths that hold the owning want's store lock: commit observers, removal
// hooks and Store.View.
type Scheduler struct {
	store *Store
	clock Clock
	log   zerolog.Logger

	mu     sync.Mutex
	armed  map[string]map[int]*TriggerHandle
	onFire FireFunc
}

func NewScheduler(store *Store) *Scheduler {
	sc := &Scheduler{
		store: store,
		clock: store.Clock(),
		log:   logging.For("scheduler"),
		armed: make(map[string]map[int]*TriggerHandle),
	}
	store.Observe(sc.observe)
	store.OnRemove(func(w *Want) { sc.Cancel(w.Metadata.ID) })
	return sc
}

// OnFire sets the callback invoked for each recorded fire.
func (sc *Scheduler) OnFire(fn FireFunc) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.onFire = fn
}

func (sc *Scheduler) observe(prev, next *Want) {
	id := next.Metadata.ID
	switch {
	case next.Status.IsTerminal():
		sc.Cancel(id)
	case prev == nil || prev.EngineState.ScheduleGen != next.EngineState.ScheduleGen:
		sc.Arm(next)
	default:
		for idx := range next.Spec.When {
			if !next.EngineState.LastFired[idx].Equal(prev.EngineState.LastFired[idx]) {
				sc.armRule(next, idx)
			}
		}
	}
}

// Arm cancels the want's existing triggers and arms one per parseable rule.
// The caller must hold the want's store lock.
func (sc *Scheduler) Arm(w *Want) []TriggerHandle {
	sc.Cancel(w.Metadata.ID)
	if w.Status.IsTerminal() {
		return nil
	}
	var handles []TriggerHandle
	for idx := range w.Spec.When {
		if h := sc.armRule(w, idx); h != nil {
			handles = append(handles, *h)
		}
	}
	return handles
}

func (sc *Scheduler) armRule(w *Want, idx int) *TriggerHandle {
	id := w.Metadata.ID
	spec := w.Spec.When[idx]
	createdAt := sc.clock.Now()
	if w.Stats.CreatedAt != nil {
		createdAt = *w.Stats.CreatedAt
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if old := sc.armed[id][idx]; old != nil {
		old.timer.Stop()
		delete(sc.armed[id], idx)
	}

	rule, err := ParseWhen(spec, createdAt)
	if err != nil {
		sc.log.Warn().Err(err).Str("want", id).Int("rule", idx).Msg("[SCHEDULER] rule not armed")
		return nil
	}
	now := sc.clock.Now()
	instant, ok := rule.Next(w.EngineState.LastFired[idx], now)
	if !ok {
		if len(sc.armed[id]) == 0 {
			delete(sc.armed, id)
		}
		return nil
	}

	h := &TriggerHandle{
		WantID:  id,
		Rule:    idx,
		Spec:    spec,
		Gen:     w.EngineState.ScheduleGen,
		Instant: instant,
	}
	delay := instant.Sub(now)
	if delay < 0 {
		delay = 0
	}
	h.timer = sc.clock.AfterFunc(delay, func() { sc.fire(h) })

	if sc.armed[id] == nil {
		sc.armed[id] = make(map[int]*TriggerHandle)
	}
	sc.armed[id][idx] = h
	sc.log.Debug().Str("want", id).Int("rule", idx).Time("at", instant).Msg("[SCHEDULER] armed")
	out := *h
	return &out
}

// Cancel stops every trigger of the want. Safe to call repeatedly.
func (sc *Scheduler) Cancel(wantID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, h := range sc.armed[wantID] {
		h.timer.Stop()
	}
	delete(sc.armed, wantID)
}

// Handles returns the currently armed triggers of a want.
func (sc *Scheduler) Handles(wantID string) []TriggerHandle {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]TriggerHandle, 0, len(sc.armed[wantID]))
	for _, h := range sc.armed[wantID] {
		out = append(out, *h)
	}
	return out
}

// RearmAll arms every non-terminal want in the store, used after restore.
func (sc *Scheduler) RearmAll() int {
	armed := 0
	for _, w := range sc.store.List(WantFilter{}) {
		if w.Status.IsTerminal() || len(w.Spec.When) == 0 {
			continue
		}
		_ = sc.store.View(w.Metadata.ID, func(live *Want) {
			armed += len(sc.Arm(live))
		})
	}
	return armed
}

func (sc *Scheduler) current(h *TriggerHandle) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.armed[h.WantID][h.Rule] == h
}

// fire records the instant through the store. Any mismatch with the want's
// current schedule turns the fire into a silent no-op.
func (sc *Scheduler) fire(h *TriggerHandle) {
	if !sc.current(h) {
		return
	}
	fired, err := sc.store.Update(h.WantID, func(w *Want) error {
		if w.Status.IsTerminal() {
			return ErrNoChange
		}
		if h.Rule >= len(w.Spec.When) || w.Spec.When[h.Rule] != h.Spec {
			return ErrNoChange
		}
		if w.EngineState.ScheduleGen != h.Gen {
			return ErrNoChange
		}
		if last, ok := w.EngineState.LastFired[h.Rule]; ok && !h.Instant.After(last) {
			return ErrNoChange
		}
		if w.EngineState.LastFired == nil {
			w.EngineState.LastFired = make(map[int]time.Time)
		}
		w.EngineState.LastFired[h.Rule] = h.Instant
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		sc.log.Debug().Str("want", h.WantID).Int("rule", h.Rule).Msg("[SCHEDULER] want gone, fire dropped")
		return
	case errors.Is(err, ErrNoChange):
		return
	default:
		sc.log.Error().Err(err).Str("want", h.WantID).Int("rule", h.Rule).Msg("[SCHEDULER] fire not recorded")
		return
	}

	sc.mu.Lock()
	fn := sc.onFire
	sc.mu.Unlock()
	sc.log.Info().Str("want", h.WantID).Int("rule", h.Rule).Time("instant", h.Instant).Msg("[SCHEDULER] fired")
	if fn != nil {
		fn(fired, h.Rule, h.Instant)
	}
}
