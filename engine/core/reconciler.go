package mywant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

const tracerName = "github.com/onelittlenightmusic/MyWant-sub007/engine/core"

type ReconcilerConfig struct {
	Workers        int
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

type passState struct {
	queued  bool
	running bool
	pending map[Trigger]bool
}

// Reconciler drives wants through their lifecycle. At most one pass per want
// runs at a time; triggers that arrive during a pass schedule one more.
type Reconciler struct {
	store      *Store
	reactions  *ReactionQueue
	types      *WantTypeRegistry
	dispatcher Dispatcher
	cfg        ReconcilerConfig
	inst       Instruments
	tracer     trace.Tracer
	log        zerolog.Logger

	mu     sync.Mutex
	passes map[string]*passState
	ready  []string
	signal chan struct{}
	pool   *pool.Pool
}

func NewReconciler(store *Store, reactions *ReactionQueue, types *WantTypeRegistry, dispatcher Dispatcher, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		store:      store,
		reactions:  reactions,
		types:      types,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		inst:       noopInstruments{},
		tracer:     otel.Tracer(tracerName),
		log:        logging.For("reconciler"),
		passes:     make(map[string]*passState),
		signal:     make(chan struct{}, 1),
	}
}

// SetInstruments replaces the measurement sink. Call before Start.
func (r *Reconciler) SetInstruments(inst Instruments) {
	if inst != nil {
		r.inst = inst
	}
}

// Start launches the worker pool and enqueues every restored want that
// still has work to do. Workers stop when ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.pool != nil {
		r.mu.Unlock()
		return
	}
	p := pool.New().WithMaxGoroutines(r.cfg.Workers)
	r.pool = p
	r.mu.Unlock()

	for i := 0; i < r.cfg.Workers; i++ {
		p.Go(func() { r.worker(ctx) })
	}

	resumed := 0
	for _, w := range r.store.List(WantFilter{Statuses: []WantStatus{WantStatusCreated, WantStatusReaching}}) {
		trigger := TriggerRestored
		if w.Status == WantStatusCreated {
			trigger = TriggerCreated
		}
		r.Enqueue(w.Metadata.ID, trigger)
		resumed++
	}
	r.log.Info().Int("workers", r.cfg.Workers).Int("resumed", resumed).Msg("[RECONCILE] started")
}

// Wait blocks until every worker has returned.
func (r *Reconciler) Wait() {
	r.mu.Lock()
	p := r.pool
	r.mu.Unlock()
	if p != nil {
		p.Wait()
	}
}

// Enqueue schedules a pass for wantID. It never blocks.
func (r *Reconciler) Enqueue(wantID string, trigger Trigger) {
	r.mu.Lock()
	st := r.passes[wantID]
	if st == nil {
		st = &passState{pending: make(map[Trigger]bool)}
		r.passes[wantID] = st
	}
	st.pending[trigger] = true
	if !st.queued && !st.running {
		st.queued = true
		r.ready = append(r.ready, wantID)
		r.wake()
	}
	r.mu.Unlock()
	r.store.Emit(Event{Type: EventReconcileTrigger, WantID: wantID, Trigger: trigger})
}

func (r *Reconciler) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Reconciler) next(ctx context.Context) (string, bool) {
	for {
		r.mu.Lock()
		if len(r.ready) > 0 {
			id := r.ready[0]
			r.ready = r.ready[1:]
			if len(r.ready) > 0 {
				r.wake()
			}
			r.mu.Unlock()
			return id, true
		}
		r.mu.Unlock()
		select {
		case <-r.signal:
		case <-ctx.Done():
			return "", false
		}
	}
}

func (r *Reconciler) worker(ctx context.Context) {
	for {
		id, ok := r.next(ctx)
		if !ok {
			return
		}
		r.mu.Lock()
		st := r.passes[id]
		st.queued = false
		st.running = true
		triggers := st.pending
		st.pending = make(map[Trigger]bool)
		r.mu.Unlock()

		r.pass(ctx, id, triggers)

		r.mu.Lock()
		st.running = false
		if len(st.pending) > 0 {
			st.queued = true
			r.ready = append(r.ready, id)
			r.wake()
		} else {
			delete(r.passes, id)
		}
		r.mu.Unlock()
	}
}

func primaryTrigger(triggers map[Trigger]bool) Trigger {
	for _, t := range triggerPriority {
		if triggers[t] {
			return t
		}
	}
	return TriggerRestored
}

func (r *Reconciler) pass(ctx context.Context, id string, triggers map[Trigger]bool) {
	w, err := r.store.Get(id)
	if err != nil {
		return
	}
	switch {
	case w.Status.IsTerminal(), w.Status == WantStatusSuspended:
		return
	case w.Status == WantStatusWaitingUserAction && !triggers[TriggerTimer]:
		return
	}

	trigger := primaryTrigger(triggers)
	if w.Status == WantStatusWaitingUserAction {
		trigger = TriggerTimer
	}
	ctx, span := r.tracer.Start(ctx, "reconcile.pass", trace.WithAttributes(
		attribute.String("want.id", id),
		attribute.String("want.type", w.Metadata.Type),
		attribute.String("trigger", string(trigger)),
	))
	defer span.End()

	if w.Status == WantStatusCreated {
		w, err = r.admit(w)
		if err != nil || w.Status != WantStatusReaching {
			return
		}
	}

	agentName := w.Metadata.Type
	if def, ok := r.types.Get(w.Metadata.Type); ok {
		agentName = def.AgentName()
	}
	req := AgentRequest{Want: w, Trigger: trigger, AgentName: agentName}

	started := r.store.Clock().Now()
	result, attempts, derr := r.dispatch(ctx, req)
	ended := r.store.Clock().Now()
	if derr != nil && ctx.Err() != nil {
		// shutdown cut the dispatch short; the want stays as it was and is
		// resumed by the next Start
		r.log.Info().Str("want", id).Int("attempts", attempts).Msg("[RECONCILE] dispatch interrupted by shutdown")
		return
	}

	outcome := string(result.Outcome)
	if derr != nil {
		outcome = string(WantStatusModuleError)
		span.RecordError(derr)
		span.SetStatus(otelcodes.Error, derr.Error())
	}
	r.inst.ObserveDispatch(w.Metadata.Type, outcome, attempts)

	exec := AgentExecution{
		AgentName: agentName,
		AgentType: w.Metadata.Type,
		Trigger:   string(trigger),
		StartTime: started,
		EndTime:   &ended,
		Status:    outcome,
	}
	applied, err := r.store.Update(id, func(x *Want) error {
		x.EngineState.DispatchAttempts += attempts
		if derr != nil {
			exec.Error = derr.Error()
			x.EngineState.LastError = derr.Error()
		} else if result.Error != "" {
			exec.Error = result.Error
		}
		x.AppendAgentHistory(exec)
		if x.Status != w.Status {
			// another writer moved the want while the agent ran; keep the record only
			return nil
		}
		if derr != nil {
			x.StoreState(StateFieldError, derr.Error())
			return x.Transition(WantStatusModuleError, ended)
		}
		if dropped := x.MergeState(result.StateUpdates); len(dropped) > 0 {
			r.log.Warn().Str("want", id).Strs("keys", dropped).Msg("[RECONCILE] agent wrote engine-owned state; dropped")
		}
		target, ok := r.targetFor(x, result)
		if !ok || target == x.Status {
			return nil
		}
		if !CanTransition(x.Status, target) {
			r.log.Warn().Str("want", id).Str("from", string(x.Status)).Str("to", string(target)).Msg("[RECONCILE] outcome not applicable in current status")
			return nil
		}
		if target == WantStatusFailed && result.Error != "" {
			x.StoreState(StateFieldError, result.Error)
		}
		return x.Transition(target, ended)
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.log.Error().Err(err).Str("want", id).Msg("[RECONCILE] failed to apply outcome")
		}
		return
	}

	if derr == nil && result.Outcome == OutcomeNeedsApproval && applied.Status == WantStatusReaching {
		if _, err := r.reactions.Submit(id, result.Prompt); err != nil && !errors.Is(err, ErrAlreadyPending) {
			r.log.Error().Err(err).Str("want", id).Msg("[RECONCILE] reaction submit failed")
		}
	}
	r.log.Debug().Str("want", id).Str("trigger", string(trigger)).Str("outcome", outcome).Str("status", string(applied.Status)).Msg("[RECONCILE] pass done")
}

// targetFor maps an agent outcome to the status it asks for. ok is false for
// outcomes that leave the status alone.
func (r *Reconciler) targetFor(w *Want, res AgentResult) (WantStatus, bool) {
	switch res.Outcome {
	case OutcomeAchieved:
		return WantStatusAchieved, true
	case OutcomeFailed:
		return WantStatusFailed, true
	case OutcomeProgress, OutcomeNeedsApproval, "":
		return w.Status, false
	default:
		w.StoreState(StateFieldError, fmt.Sprintf("unknown agent outcome %q", res.Outcome))
		return WantStatusModuleError, true
	}
}

// admit validates a created want and moves it to reaching or config_error.
func (r *Reconciler) admit(w *Want) (*Want, error) {
	verr := r.types.ValidateWant(w, r.store)
	updated, err := r.store.Update(w.Metadata.ID, func(x *Want) error {
		if x.Status != WantStatusCreated {
			return ErrNoChange
		}
		now := r.store.Clock().Now()
		if verr != nil {
			x.StoreState(StateFieldError, verr.Error())
			return x.Transition(WantStatusConfigError, now)
		}
		if def, ok := r.types.Get(x.Metadata.Type); ok {
			x.Spec.Params = def.WithDefaults(x.Spec.Params)
		}
		return x.Transition(WantStatusReaching, now)
	})
	if errors.Is(err, ErrNoChange) {
		return r.store.Get(w.Metadata.ID)
	}
	if err != nil {
		return nil, err
	}
	if verr != nil {
		r.log.Warn().Err(verr).Str("want", w.Metadata.ID).Msg("[RECONCILE] config_error")
	}
	return updated, nil
}

// dispatch retries only ErrAgentUnavailable, with bounded exponential backoff.
func (r *Reconciler) dispatch(ctx context.Context, req AgentRequest) (AgentResult, int, error) {
	attempts := 0
	op := func() (AgentResult, error) {
		attempts++
		res, err := r.dispatcher.Dispatch(ctx, req)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrAgentUnavailable) {
			r.log.Warn().Err(err).Str("want", req.Want.Metadata.ID).Int("attempt", attempts).Msg("[RECONCILE] agent unavailable")
			return AgentResult{}, err
		}
		return AgentResult{}, backoff.Permanent(err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.MaxInterval = r.cfg.MaxBackoff
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
	)
	if err != nil {
		if errors.Is(err, ErrAgentUnavailable) {
			return AgentResult{}, attempts, fmt.Errorf("gave up after %d attempts: %w", attempts, err)
		}
		return AgentResult{}, attempts, err
	}
	return res, attempts, nil
}

// Notify merges updates into the want's state and re-triggers it.
func (r *Reconciler) Notify(wantID string, updates map[string]any, trigger Trigger) (*Want, error) {
	w, err := r.store.Update(wantID, func(x *Want) error {
		if x.Status.IsTerminal() {
			return &TransitionError{WantID: wantID, From: x.Status, To: x.Status, Err: ErrTerminalState}
		}
		x.MergeState(updates)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.Enqueue(wantID, trigger)
	return w, nil
}

// Suspend pauses a reaching want. Its timers stay armed.
func (r *Reconciler) Suspend(wantID string) (*Want, error) {
	return r.control(wantID, WantStatusSuspended)
}

// Resume moves a suspended want back to reaching and re-enqueues it.
func (r *Reconciler) Resume(wantID string) (*Want, error) {
	w, err := r.store.Update(wantID, func(x *Want) error {
		if x.Status != WantStatusSuspended {
			if x.Status.IsTerminal() {
				return &TransitionError{WantID: wantID, From: x.Status, To: WantStatusReaching, Err: ErrTerminalState}
			}
			return &TransitionError{WantID: wantID, From: x.Status, To: WantStatusReaching, Err: ErrInvalidTransition}
		}
		return x.Transition(WantStatusReaching, r.store.Clock().Now())
	})
	if err != nil {
		return nil, err
	}
	r.Enqueue(wantID, TriggerResumed)
	return w, nil
}

// Stop finalizes any non-terminal want as stopped.
func (r *Reconciler) Stop(wantID string) (*Want, error) {
	return r.control(wantID, WantStatusStopped)
}

func (r *Reconciler) control(wantID string, to WantStatus) (*Want, error) {
	w, err := r.store.Update(wantID, func(x *Want) error {
		return x.Transition(to, r.store.Clock().Now())
	})
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("want", wantID).Str("status", string(to)).Msg("[RECONCILE] control")
	return w, nil
}
