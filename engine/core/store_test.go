package mywant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPersister struct {
	mu      sync.Mutex
	saved   map[string][]int64
	deleted map[string]int64
}

func newRecordingPersister() *recordingPersister {
	return &recordingPersister{saved: make(map[string][]int64), deleted: make(map[string]int64)}
}

func (p *recordingPersister) Load(context.Context) ([]*Want, error) { return nil, nil }

func (p *recordingPersister) Save(_ context.Context, w *Want) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved[w.Metadata.ID] = append(p.saved[w.Metadata.ID], w.Metadata.Version)
	return nil
}

func (p *recordingPersister) Delete(_ context.Context, id string, version int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted[id] = version
	return nil
}

func (p *recordingPersister) Close() error { return nil }

type sinkFunc func(Event)

func (f sinkFunc) Emit(ev Event) { f(ev) }

func TestStore_CreateAssignsIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	w, err := s.Create(&Want{
		Metadata: Metadata{Name: "w1", Type: "task"},
		State:    map[string]any{"note": "x", StateFieldReactionQueueID: "forged"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, w.Metadata.ID)
	assert.Equal(t, WantStatusCreated, w.Status)
	assert.Equal(t, int64(1), w.Metadata.Version)
	require.NotNil(t, w.Stats.CreatedAt)
	assert.Equal(t, testEpoch, *w.Stats.CreatedAt)
	assert.Equal(t, "x", w.State["note"])
	assert.NotContains(t, w.State, StateFieldReactionQueueID)
}

func TestStore_CreateIgnoresSuppliedID(t *testing.T) {
	s, _ := newTestStore(t)
	w, err := s.Create(&Want{Metadata: Metadata{ID: "chosen-by-client", Name: "w1", Type: "task"}})
	require.NoError(t, err)
	assert.NotEqual(t, "chosen-by-client", w.Metadata.ID)
	assert.True(t, strings.HasPrefix(w.Metadata.ID, "want-"))

	_, err = s.Get("chosen-by-client")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateValidation(t *testing.T) {
	s, _ := newTestStore(t)
	cases := map[string]*Want{
		"no name":    {Metadata: Metadata{Type: "task"}},
		"no type":    {Metadata: Metadata{Name: "a"}},
		"bad using":  {Metadata: Metadata{Name: "a", Type: "task"}, Spec: WantSpec{Using: []map[string]string{{"a": "1", "b": "2"}}}},
		"two owners": {Metadata: Metadata{Name: "a", Type: "task", OwnerReferences: []OwnerReference{{ID: "x"}, {ID: "y"}}}},
		"bad status": {Metadata: Metadata{Name: "a", Type: "task"}, Status: WantStatusAchieved},
	}
	for name, w := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Create(w)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestStore_SiblingNamesUnique(t *testing.T) {
	s, _ := newTestStore(t)
	p1 := mustCreate(t, s, "parent-1", nil, false)
	p2 := mustCreate(t, s, "parent-2", nil, false)

	mustCreate(t, s, "child", p1, true)
	mustCreate(t, s, "child", p2, true)
	mustCreate(t, s, "child", nil, false)

	_, err := s.Create(&Want{Metadata: Metadata{Name: "child", Type: "task",
		OwnerReferences: []OwnerReference{{ID: p1.Metadata.ID}}}})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	found, err := s.FindByName(p2.Metadata.ID, "child")
	require.NoError(t, err)
	assert.Equal(t, p2.Metadata.ID, found.OwnerID())
	assert.Equal(t, "parent-2", found.Owner().Name)
}

func TestStore_CreateRequiresOwner(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(&Want{Metadata: Metadata{Name: "orphan", Type: "task",
		OwnerReferences: []OwnerReference{{ID: "want-missing"}}}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateDiscardsOnError(t *testing.T) {
	s, _ := newTestStore(t)
	w := mustCreate(t, s, "w", nil, false)

	boom := errors.New("boom")
	_, err := s.Update(w.Metadata.ID, func(x *Want) error {
		x.StoreState("half", "written")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(w.Metadata.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.State, "half")
	assert.Equal(t, int64(1), got.Metadata.Version)
}

func TestStore_UpdateIfVersionConflict(t *testing.T) {
	s, _ := newTestStore(t)
	w := mustCreate(t, s, "w", nil, false)

	_, err := s.UpdateIfVersion(w.Metadata.ID, 1, func(x *Want) error {
		x.Spec.Params = map[string]any{"a": 1}
		return nil
	})
	require.NoError(t, err)

	_, err = s.UpdateIfVersion(w.Metadata.ID, 1, func(x *Want) error { return nil })
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStore_UpdateGuardsInvariants(t *testing.T) {
	s, _ := newTestStore(t)
	w := mustCreate(t, s, "w", nil, false)
	id := w.Metadata.ID

	_, err := s.Update(id, func(x *Want) error { x.Metadata.Type = "other"; return nil })
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = s.Update(id, func(x *Want) error { x.Metadata.Name = "renamed"; return nil })
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = s.Update(id, func(x *Want) error { x.Status = WantStatusAchieved; return nil })
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Update(id, func(x *Want) error {
		x.State = map[string]any{"dispatch_attempts": 99, "ok": true}
		return nil
	})
	require.NoError(t, err)
	got, _ := s.Get(id)
	assert.NotContains(t, got.State, "dispatch_attempts")
	assert.Equal(t, true, got.State["ok"])
}

func TestStore_HistoryAppendOnly(t *testing.T) {
	s, _ := newTestStore(t)
	w := mustCreate(t, s, "w", nil, false)
	_, err := s.Update(w.Metadata.ID, func(x *Want) error {
		x.AppendAgentHistory(AgentExecution{AgentName: "a", Status: "progress"})
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(w.Metadata.ID, func(x *Want) error {
		x.History.AgentHistory = nil
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestStore_ListFilter(t *testing.T) {
	s, _ := newTestStore(t)
	root := mustCreate(t, s, "root", nil, false)
	a := mustCreate(t, s, "a", root, true)
	_, err := s.PatchLabel(a.Metadata.ID, "role", "db")
	require.NoError(t, err)
	mustCreate(t, s, "b", nil, false)

	assert.Len(t, s.List(WantFilter{}), 3)
	assert.Len(t, s.List(WantFilter{RootsOnly: true}), 2)

	byOwner := s.List(WantFilter{OwnerID: root.Metadata.ID})
	require.Len(t, byOwner, 1)
	assert.Equal(t, "a", byOwner[0].Metadata.Name)

	byLabel := s.List(WantFilter{Labels: map[string]string{"role": "db"}})
	require.Len(t, byLabel, 1)

	_, err = s.RemoveLabel(a.Metadata.ID, "role")
	require.NoError(t, err)
	assert.Empty(t, s.List(WantFilter{Labels: map[string]string{"role": "db"}}))
	assert.Len(t, s.List(WantFilter{Statuses: []WantStatus{WantStatusCreated}}), 3)
}

func TestStore_PersistsInVersionOrder(t *testing.T) {
	p := newRecordingPersister()
	var mu sync.Mutex
	var events []EventType
	s, _ := newTestStore(t, WithPersister(p), WithEventSink(sinkFunc(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})))
	w := mustCreate(t, s, "w", nil, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(w.Metadata.ID, func(x *Want) error {
				x.StoreState("n", i)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Delete(w.Metadata.ID))

	p.mu.Lock()
	versions := p.saved[w.Metadata.ID]
	deletedAt := p.deleted[w.Metadata.ID]
	p.mu.Unlock()
	require.Len(t, versions, 21)
	for i, v := range versions {
		assert.Equal(t, int64(i+1), v)
	}
	assert.Equal(t, int64(22), deletedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventWantCreated, events[0])
	assert.Equal(t, EventWantDeleted, events[len(events)-1])
}

func TestStore_DifferentWantsDoNotBlock(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, "a", nil, false)
	b := mustCreate(t, s, "b", nil, false)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_, _ = s.Update(a.Metadata.ID, func(x *Want) error {
			close(entered)
			<-release
			return nil
		})
		close(done)
	}()
	<-entered

	_, err := s.Update(b.Metadata.ID, func(x *Want) error {
		x.StoreState("touched", true)
		return nil
	})
	require.NoError(t, err)
	close(release)
	<-done
}

func TestStore_RestoreRebuildsIndexes(t *testing.T) {
	src, _ := newTestStore(t)
	root := mustCreate(t, src, "root", nil, false)
	mustCreate(t, src, "child", root, true)
	snapshot := src.List(WantFilter{})

	dst, _ := newTestStore(t)
	n, err := dst.Restore(snapshot)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, dst.Graph().Children(root.Metadata.ID), 1)

	found, err := dst.FindByName(root.Metadata.ID, "child")
	require.NoError(t, err)
	assert.Equal(t, "child", found.Metadata.Name)

	_, err = dst.Restore(snapshot)
	assert.ErrorIs(t, err, ErrConflict)
}
