package mywant

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/onelittlenightmusic/MyWant-sub007/engine/logging"
)

// ErrNoChange may be returned by a mutator to abandon an update without
// committing. Update returns it unchanged so callers can tell a skip apart.
var ErrNoChange = errors.New("no change")

// CommitObserver runs inside the committing want's lock. prev is nil on create.
// Observers must not call back into the Store for the same want.
type CommitObserver func(prev, next *Want)

// RemovalHook runs inside the want's lock just before it is removed.
type RemovalHook func(w *Want)

// WantFilter selects wants for List. Empty fields match everything.
type WantFilter struct {
	Type      string
	Statuses  []WantStatus
	Labels    map[string]string
	OwnerID   string
	RootsOnly bool
}

func (f WantFilter) matches(w *Want) bool {
	if f.Type != "" && w.Metadata.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if w.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.OwnerID != "" && w.OwnerID() != f.OwnerID {
		return false
	}
	if f.RootsOnly && w.OwnerID() != "" {
		return false
	}
	return w.HasLabels(f.Labels)
}

type StoreOption func(*Store)

func WithClock(c Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

func WithPersister(p Persister) StoreOption {
	return func(s *Store) { s.persister = p }
}

func WithEventSink(sink EventSink) StoreOption {
	return func(s *Store) { s.sinks = append(s.sinks, sink) }
}

// Store holds every want. Each want has its own mutex; the map lock only
// guards membership and the sibling-name index. Lock order is always
// entry lock before map lock.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	names   map[nameKey]string
	seq     int64

	// cascades are serialized among themselves only
	deleteMu sync.Mutex

	clock     Clock
	persister Persister
	sinks     []EventSink
	observers []CommitObserver
	removers  []RemovalHook
	graph     *OwnershipGraph
	log       zerolog.Logger
}

type nameKey struct {
	owner string
	name  string
}

type entry struct {
	mu       sync.Mutex
	want     *Want
	seq      int64
	deleting bool
	deleted  bool

	outMu   sync.Mutex
	flushMu sync.Mutex
	outbox  []commitRecord
}

type commitRecord struct {
	event EventType
	want  *Want
}

type updateOptions struct {
	version  int64
	relink   bool
	renameOK bool
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		names:   make(map[nameKey]string),
		clock:   RealClock(),
		log:     logging.For("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.graph = newOwnershipGraph(s)
	return s
}

// Observe registers a commit observer. Register before the store is shared.
func (s *Store) Observe(obs CommitObserver) {
	s.observers = append(s.observers, obs)
}

// OnRemove registers a hook run atomically with a want's removal.
func (s *Store) OnRemove(hook RemovalHook) {
	s.removers = append(s.removers, hook)
}

func (s *Store) Graph() *OwnershipGraph { return s.graph }

func (s *Store) Clock() Clock { return s.clock }

func (s *Store) entry(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Create stores a new want in status created under a freshly generated id
// and returns the stored copy.
func (s *Store) Create(in *Want) (*Want, error) {
	if in == nil {
		return nil, fmt.Errorf("want is nil: %w", ErrInvalidSpec)
	}
	w := in.Clone()
	if err := validateNewWant(w); err != nil {
		return nil, err
	}
	// ids are engine-assigned; a caller-supplied id is discarded
	w.Metadata.ID = generateWantID()

	var owner *entry
	if ref := w.Owner(); ref != nil {
		owner = s.entry(ref.ID)
		if owner == nil {
			return nil, fmt.Errorf("owner %s: %w", ref.ID, ErrNotFound)
		}
		owner.mu.Lock()
		if owner.deleting || owner.deleted {
			owner.mu.Unlock()
			return nil, fmt.Errorf("owner %s is being deleted: %w", ref.ID, ErrNotFound)
		}
		ref.Name = owner.want.Metadata.Name
	}
	unlockOwner := func() {
		if owner != nil {
			owner.mu.Unlock()
		}
	}

	now := s.clock.Now()
	w.Status = WantStatusCreated
	w.Metadata.Version = 1
	w.Metadata.UpdatedAt = now.Unix()
	w.Stats = WantStats{CreatedAt: &now}
	w.EngineState = EngineState{}
	w.History = WantHistory{}
	for k := range w.State {
		if IsEngineOwnedStateField(k) {
			delete(w.State, k)
		}
	}

	e := &entry{want: w}
	e.mu.Lock()

	s.mu.Lock()
	if _, exists := s.entries[w.Metadata.ID]; exists {
		s.mu.Unlock()
		e.mu.Unlock()
		unlockOwner()
		return nil, fmt.Errorf("want %s: %w", w.Metadata.ID, ErrAlreadyExists)
	}
	key := nameKey{owner: w.OwnerID(), name: w.Metadata.Name}
	if _, exists := s.names[key]; exists {
		s.mu.Unlock()
		e.mu.Unlock()
		unlockOwner()
		return nil, fmt.Errorf("want named %q under %q: %w", key.name, key.owner, ErrAlreadyExists)
	}
	s.seq++
	e.seq = s.seq
	s.entries[w.Metadata.ID] = e
	s.names[key] = w.Metadata.ID
	s.mu.Unlock()

	for _, obs := range s.observers {
		obs(nil, w)
	}
	e.enqueue(EventWantCreated, w.Clone())
	out := w.Clone()
	e.mu.Unlock()
	unlockOwner()

	s.drain(e)
	s.log.Debug().Str("want", w.Metadata.ID).Str("name", w.Metadata.Name).Msg("[STORE] created")
	return out, nil
}

// Get returns a copy of the current want.
func (s *Store) Get(id string) (*Want, error) {
	e := s.entry(id)
	if e == nil {
		return nil, fmt.Errorf("want %s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, fmt.Errorf("want %s: %w", id, ErrNotFound)
	}
	return e.want.Clone(), nil
}

// FindByName looks a want up by its owner and sibling-unique name.
func (s *Store) FindByName(ownerID, name string) (*Want, error) {
	s.mu.RLock()
	id, ok := s.names[nameKey{owner: ownerID, name: name}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("want named %q: %w", name, ErrNotFound)
	}
	return s.Get(id)
}

// List returns copies of matching wants in creation order.
func (s *Store) List(filter WantFilter) []*Want {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]*Want, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && filter.matches(e.want) {
			out = append(out, e.want.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// View runs fn with the live want under its lock. fn must not modify it.
func (s *Store) View(id string, fn func(w *Want)) error {
	e := s.entry(id)
	if e == nil {
		return fmt.Errorf("want %s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return fmt.Errorf("want %s: %w", id, ErrNotFound)
	}
	fn(e.want)
	return nil
}

// Update applies mutate to a private copy under the want's lock and commits
// the copy when mutate succeeds. A mutator error discards the copy.
func (s *Store) Update(id string, mutate func(w *Want) error) (*Want, error) {
	return s.update(id, updateOptions{}, mutate)
}

// UpdateIfVersion is Update guarded by optimistic concurrency.
func (s *Store) UpdateIfVersion(id string, version int64, mutate func(w *Want) error) (*Want, error) {
	if version <= 0 {
		return nil, fmt.Errorf("version must be positive: %w", ErrInvalidSpec)
	}
	return s.update(id, updateOptions{version: version}, mutate)
}

// PatchLabel merges a single label into metadata.labels.
func (s *Store) PatchLabel(id, key, value string) (*Want, error) {
	if key == "" {
		return nil, fmt.Errorf("label key is empty: %w", ErrInvalidSpec)
	}
	return s.Update(id, func(w *Want) error {
		if w.Metadata.Labels == nil {
			w.Metadata.Labels = make(map[string]string)
		}
		w.Metadata.Labels[key] = value
		return nil
	})
}

// RemoveLabel deletes one label. Removing an absent label is not a commit.
func (s *Store) RemoveLabel(id, key string) (*Want, error) {
	w, err := s.Update(id, func(w *Want) error {
		if _, ok := w.Metadata.Labels[key]; !ok {
			return ErrNoChange
		}
		delete(w.Metadata.Labels, key)
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return s.Get(id)
	}
	return w, err
}

func (s *Store) update(id string, opts updateOptions, mutate func(w *Want) error) (*Want, error) {
	e := s.entry(id)
	if e == nil {
		return nil, fmt.Errorf("want %s: %w", id, ErrNotFound)
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, fmt.Errorf("want %s: %w", id, ErrNotFound)
	}
	prev := e.want
	if opts.version != 0 && prev.Metadata.Version != opts.version {
		e.mu.Unlock()
		return nil, fmt.Errorf("want %s at version %d, expected %d: %w",
			id, prev.Metadata.Version, opts.version, ErrConflict)
	}

	next := prev.Clone()
	if err := mutate(next); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := checkCommit(prev, next, opts.relink); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if opts.relink {
		if err := s.rekey(prev, next, opts.renameOK); err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}
	s.normalize(prev, next)

	e.want = next
	for _, obs := range s.observers {
		obs(prev, next)
	}
	e.enqueue(EventWantUpdated, next.Clone())
	out := next.Clone()
	e.mu.Unlock()

	s.drain(e)
	return out, nil
}

// rekey moves the sibling-name index entry when the owner changes.
func (s *Store) rekey(prev, next *Want, renameOK bool) error {
	oldKey := nameKey{owner: prev.OwnerID(), name: prev.Metadata.Name}
	newKey := nameKey{owner: next.OwnerID(), name: next.Metadata.Name}
	if oldKey == newKey {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, taken := s.names[newKey]; taken && holder != next.Metadata.ID {
		if !renameOK {
			return fmt.Errorf("want named %q under %q: %w", newKey.name, newKey.owner, ErrAlreadyExists)
		}
		next.Metadata.Name = next.Metadata.Name + "-" + shortID(next.Metadata.ID)
		newKey.name = next.Metadata.Name
	}
	if s.names[oldKey] == prev.Metadata.ID {
		delete(s.names, oldKey)
	}
	s.names[newKey] = next.Metadata.ID
	return nil
}

func (s *Store) normalize(prev, next *Want) {
	now := s.clock.Now()
	next.Metadata.Version = prev.Metadata.Version + 1
	next.Metadata.UpdatedAt = now.Unix()
	next.Stats.CreatedAt = copyTime(prev.Stats.CreatedAt)
	if prev.Stats.StartedAt != nil {
		next.Stats.StartedAt = copyTime(prev.Stats.StartedAt)
	}
	if prev.Stats.CompletedAt != nil {
		next.Stats.CompletedAt = copyTime(prev.Stats.CompletedAt)
	}
	for k := range next.State {
		if IsEngineOwnedStateField(k) {
			delete(next.State, k)
		}
	}
	if !reflect.DeepEqual(prev.Spec.When, next.Spec.When) {
		next.EngineState.ScheduleGen = prev.EngineState.ScheduleGen + 1
		for idx := range next.EngineState.LastFired {
			if idx >= len(prev.Spec.When) || idx >= len(next.Spec.When) || prev.Spec.When[idx] != next.Spec.When[idx] {
				delete(next.EngineState.LastFired, idx)
			}
		}
	}
}

func checkCommit(prev, next *Want, relink bool) error {
	if next.Metadata.ID != prev.Metadata.ID || next.Metadata.Type != prev.Metadata.Type {
		return fmt.Errorf("want %s: id and type are immutable: %w", prev.Metadata.ID, ErrInvalidSpec)
	}
	if !relink {
		if next.Metadata.Name != prev.Metadata.Name ||
			!reflect.DeepEqual(next.Metadata.OwnerReferences, prev.Metadata.OwnerReferences) {
			return fmt.Errorf("want %s: name and owner change only through reparent: %w", prev.Metadata.ID, ErrInvalidSpec)
		}
	}
	if err := validateUsing(next.Spec.Using); err != nil {
		return err
	}
	if len(next.History.AgentHistory) < len(prev.History.AgentHistory) {
		return fmt.Errorf("want %s: agent history is append-only: %w", prev.Metadata.ID, ErrInvalidSpec)
	}
	if next.Status != prev.Status {
		if prev.Status.IsTerminal() {
			return &TransitionError{WantID: prev.Metadata.ID, From: prev.Status, To: next.Status, Err: ErrTerminalState}
		}
		if !CanTransition(prev.Status, next.Status) {
			return &TransitionError{WantID: prev.Metadata.ID, From: prev.Status, To: next.Status, Err: ErrInvalidTransition}
		}
	}
	if next.Status == WantStatusWaitingUserAction && next.EngineState.ReactionQueueID == "" {
		return &TransitionError{WantID: prev.Metadata.ID, From: prev.Status, To: next.Status, Err: ErrInvalidTransition}
	}
	return nil
}

func validateNewWant(w *Want) error {
	if w.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required: %w", ErrInvalidSpec)
	}
	if w.Metadata.Type == "" {
		return fmt.Errorf("metadata.type is required: %w", ErrInvalidSpec)
	}
	if len(w.Metadata.OwnerReferences) > 1 {
		return fmt.Errorf("at most one owner reference is allowed: %w", ErrInvalidSpec)
	}
	if ref := w.Owner(); ref != nil && ref.ID == "" {
		return fmt.Errorf("owner reference needs an id: %w", ErrInvalidSpec)
	}
	if w.Status != "" && w.Status != WantStatusCreated {
		return fmt.Errorf("new wants start in status created, got %q: %w", w.Status, ErrInvalidSpec)
	}
	return validateUsing(w.Spec.Using)
}

func validateUsing(using []map[string]string) error {
	for i, sel := range using {
		if len(sel) != 1 {
			return fmt.Errorf("using[%d] must have exactly one key: %w", i, ErrInvalidSpec)
		}
	}
	return nil
}

// Delete removes the want and cascades to its blocking descendants deepest
// first. Timer and reaction cancellation happen before Delete returns.
func (s *Store) Delete(id string) error {
	s.deleteMu.Lock()
	defer s.deleteMu.Unlock()

	if s.entry(id) == nil {
		return fmt.Errorf("want %s: %w", id, ErrNotFound)
	}

	var order, orphans []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		e := s.entry(cur)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.deleted {
			e.mu.Unlock()
			if cur == id {
				return fmt.Errorf("want %s: %w", id, ErrNotFound)
			}
			continue
		}
		e.deleting = true
		e.mu.Unlock()

		order = append(order, cur)
		for _, link := range s.graph.links(cur) {
			if link.blocking {
				queue = append(queue, link.id)
			} else {
				orphans = append(orphans, link.id)
			}
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		s.remove(order[i])
	}
	for _, oid := range orphans {
		_, err := s.update(oid, updateOptions{relink: true, renameOK: true}, func(w *Want) error {
			w.Metadata.OwnerReferences = nil
			return nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Error().Err(err).Str("want", oid).Msg("[STORE] failed to clear owner reference")
		}
	}
	s.log.Info().Str("want", id).Int("removed", len(order)).Int("orphaned", len(orphans)).Msg("[STORE] deleted")
	return nil
}

func (s *Store) remove(id string) {
	e := s.entry(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return
	}
	w := e.want
	for _, hook := range s.removers {
		hook(w)
	}
	e.deleted = true

	s.mu.Lock()
	delete(s.entries, id)
	key := nameKey{owner: w.OwnerID(), name: w.Metadata.Name}
	if s.names[key] == id {
		delete(s.names, key)
	}
	s.mu.Unlock()

	s.graph.remove(w)
	tomb := w.Clone()
	tomb.Metadata.Version++
	e.enqueue(EventWantDeleted, tomb)
	e.mu.Unlock()
	s.drain(e)
}

// Restore loads persisted wants into an empty store and rebuilds the
// ownership index. Observers are not run; callers re-arm explicitly.
func (s *Store) Restore(wants []*Want) (int, error) {
	s.mu.Lock()
	if len(s.entries) > 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("restore into a non-empty store: %w", ErrConflict)
	}
	sorted := make([]*Want, 0, len(wants))
	for _, w := range wants {
		if w != nil && w.Metadata.ID != "" {
			sorted = append(sorted, w.Clone())
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, cj := sorted[i].Stats.CreatedAt, sorted[j].Stats.CreatedAt
		if ci == nil || cj == nil {
			return ci != nil
		}
		return ci.Before(*cj)
	})
	known := make(map[string]bool, len(sorted))
	for _, w := range sorted {
		known[w.Metadata.ID] = true
	}
	restored := 0
	for _, w := range sorted {
		if w.OwnerID() != "" && !known[w.OwnerID()] {
			s.log.Warn().Str("want", w.Metadata.ID).Str("owner", w.OwnerID()).Msg("[STORE] owner missing on restore, detaching")
			w.Metadata.OwnerReferences = nil
		}
		key := nameKey{owner: w.OwnerID(), name: w.Metadata.Name}
		if _, dup := s.names[key]; dup {
			w.Metadata.Name = w.Metadata.Name + "-" + shortID(w.Metadata.ID)
			key.name = w.Metadata.Name
		}
		if w.Status == "" {
			w.Status = WantStatusCreated
		}
		s.seq++
		s.entries[w.Metadata.ID] = &entry{want: w, seq: s.seq}
		s.names[key] = w.Metadata.ID
		restored++
	}
	s.mu.Unlock()

	s.graph.Rebuild(s.List(WantFilter{}))
	return restored, nil
}

func (e *entry) enqueue(kind EventType, w *Want) {
	e.outMu.Lock()
	e.outbox = append(e.outbox, commitRecord{event: kind, want: w})
	e.outMu.Unlock()
}

// drain persists and publishes queued commits in version order. It runs
// outside the want's lock.
func (s *Store) drain(e *entry) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.outMu.Lock()
	batch := e.outbox
	e.outbox = nil
	e.outMu.Unlock()

	for _, rec := range batch {
		w := rec.want
		if s.persister != nil {
			var err error
			if rec.event == EventWantDeleted {
				err = s.persister.Delete(context.Background(), w.Metadata.ID, w.Metadata.Version)
			} else {
				err = s.persister.Save(context.Background(), w)
			}
			if err != nil {
				s.log.Error().Err(err).Str("want", w.Metadata.ID).Int64("version", w.Metadata.Version).Msg("[STORE] persist failed")
			}
		}
		ev := Event{
			Type:    rec.event,
			WantID:  w.Metadata.ID,
			Version: w.Metadata.Version,
			Status:  w.Status,
			Want:    w,
			At:      s.clock.Now(),
		}
		for _, sink := range s.sinks {
			sink.Emit(ev)
		}
	}
}

// Emit forwards a non-commit event, such as a reaction decision, to the sinks.
func (s *Store) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	for _, sink := range s.sinks {
		sink.Emit(ev)
	}
}

func shortID(id string) string {
	const n = 8
	if len(id) <= n {
		return id
	}
	return id[len(id)-n:]
}
