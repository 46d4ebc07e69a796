package mywant

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

type EngineConfig struct {
	Clock             Clock
	Persister         Persister
	Sinks             []EventSink
	Dispatcher        Dispatcher
	Types             *WantTypeRegistry
	Reconciler        ReconcilerConfig
	ReactionRetention time.Duration
	Instruments       Instruments
}

// Engine wires the store, ownership graph, scheduler, reaction queue and
// reconciler together. API layers talk to it instead of the parts.
type Engine struct {
	Store      *Store
	Graph      *OwnershipGraph
	Scheduler  *Scheduler
	Reactions  *ReactionQueue
	Reconciler *Reconciler
	Types      *WantTypeRegistry

	persister Persister
	log       zerolog.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("engine needs a dispatcher")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Types == nil {
		cfg.Types = NewWantTypeRegistry()
	}
	inst := cfg.Instruments
	if inst == nil {
		inst = noopInstruments{}
	}

	opts := []StoreOption{WithClock(cfg.Clock)}
	if cfg.Persister != nil {
		opts = append(opts, WithPersister(cfg.Persister))
	}
	for _, sink := range cfg.Sinks {
		opts = append(opts, WithEventSink(sink))
	}
	store := NewStore(opts...)
	store.Observe(func(prev, next *Want) {
		if prev != nil && prev.Status != next.Status {
			inst.ObserveTransition(next.Metadata.Type, prev.Status, next.Status)
		}
	})

	scheduler := NewScheduler(store)
	reactions := NewReactionQueue(store, cfg.ReactionRetention)
	reactions.SetDenialPolicy(cfg.Types.DenialPolicy)
	reactions.OnPendingChange(inst.SetPendingReactions)

	rec := NewReconciler(store, reactions, cfg.Types, cfg.Dispatcher, cfg.Reconciler)
	rec.SetInstruments(inst)

	scheduler.OnFire(func(w *Want, rule int, instant time.Time) {
		inst.ObserveFire(w.Metadata.Type)
		rec.Enqueue(w.Metadata.ID, TriggerTimer)
	})
	reactions.OnDecided(func(r Reaction) {
		if r.Status == ReactionApproved {
			rec.Enqueue(r.WantID, TriggerReaction)
		}
	})

	return &Engine{
		Store:      store,
		Graph:      store.Graph(),
		Scheduler:  scheduler,
		Reactions:  reactions,
		Reconciler: rec,
		Types:      cfg.Types,
		persister:  cfg.Persister,
		log:        logging.For("engine"),
	}, nil
}

// Restore loads persisted wants, rebuilds derived indexes, re-arms
// schedules and recreates live reactions. Call before Start.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.persister == nil {
		return 0, nil
	}
	wants, err := e.persister.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load wants: %w", err)
	}
	n, err := e.Store.Restore(wants)
	if err != nil {
		return 0, err
	}
	armed := e.Scheduler.RearmAll()
	live := e.Reactions.Restore()
	e.log.Info().Int("wants", n).Int("triggers", armed).Int("reactions", live).Msg("[ENGINE] restored")
	return n, nil
}

// Start runs the reconciler until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.Reconciler.Start(ctx)
}

// Close waits for the reconciler and closes the persister.
func (e *Engine) Close() error {
	e.Reconciler.Wait()
	if e.persister != nil {
		return e.persister.Close()
	}
	return nil
}

// CreateWant stores the want and schedules its first pass.
func (e *Engine) CreateWant(w *Want) (*Want, error) {
	created, err := e.Store.Create(w)
	if err != nil {
		return nil, err
	}
	e.Reconciler.Enqueue(created.Metadata.ID, TriggerCreated)
	return created, nil
}

// UpdateWantSpec replaces spec and labels when version still matches.
func (e *Engine) UpdateWantSpec(id string, version int64, spec WantSpec, labels map[string]string) (*Want, error) {
	mutate := func(w *Want) error {
		if w.Status.IsTerminal() {
			return &TransitionError{WantID: id, From: w.Status, To: w.Status, Err: ErrTerminalState}
		}
		w.Spec = spec
		if labels != nil {
			w.Metadata.Labels = labels
		}
		return nil
	}
	if version > 0 {
		return e.Store.UpdateIfVersion(id, version, mutate)
	}
	return e.Store.Update(id, mutate)
}

// DeleteWant cascades through the ownership graph.
func (e *Engine) DeleteWant(id string) error {
	return e.Graph.CascadeDelete(id)
}

// FindWant resolves a want id, falling back to the first want with that name.
func (e *Engine) FindWant(idOrName string) (*Want, error) {
	w, err := e.Store.Get(idOrName)
	if err == nil {
		return w, nil
	}
	for _, cand := range e.Store.List(WantFilter{}) {
		if cand.Metadata.Name == idOrName {
			return cand, nil
		}
	}
	return nil, err
}
