package mywant

import (
	"errors"
	"fmt"
	"sync"
)

type childLink struct {
	id       string
	blocking bool
}

// OwnershipGraph is a read-side index of owner -> children derived from
// ownerReferences. It is updated inside the committing want's lock and can
// always be rebuilt from the store alone.
type OwnershipGraph struct {
	store *Store

	mu       sync.RWMutex
	children map[string][]childLink
	parent   map[string]string

	reparentMu sync.Mutex
}

func newOwnershipGraph(s *Store) *OwnershipGraph {
	g := &OwnershipGraph{
		store:    s,
		children: make(map[string][]childLink),
		parent:   make(map[string]string),
	}
	s.Observe(g.observe)
	return g
}

func (g *OwnershipGraph) observe(prev, next *Want) {
	if prev == nil {
		g.add(next)
		return
	}
	if prev.OwnerID() != next.OwnerID() || isBlocking(prev) != isBlocking(next) {
		g.detach(prev.Metadata.ID)
		g.add(next)
	}
}

func isBlocking(w *Want) bool {
	ref := w.Owner()
	return ref != nil && ref.BlockOwnerDeletion
}

func (g *OwnershipGraph) add(w *Want) {
	owner := w.OwnerID()
	if owner == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.parent[w.Metadata.ID] = owner
	g.children[owner] = append(g.children[owner], childLink{id: w.Metadata.ID, blocking: isBlocking(w)})
}

func (g *OwnershipGraph) detach(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	owner, ok := g.parent[id]
	if !ok {
		return
	}
	delete(g.parent, id)
	links := g.children[owner]
	for i, l := range links {
		if l.id == id {
			links = append(links[:i], links[i+1:]...)
			break
		}
	}
	if len(links) == 0 {
		delete(g.children, owner)
	} else {
		g.children[owner] = links
	}
}

// remove drops w's parent link. Its remaining children stay indexed until
// their owner references are cleared.
func (g *OwnershipGraph) remove(w *Want) {
	g.detach(w.Metadata.ID)
}

func (g *OwnershipGraph) links(parentID string) []childLink {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]childLink(nil), g.children[parentID]...)
}

// Children returns child ids in the order they were attached.
func (g *OwnershipGraph) Children(parentID string) []string {
	links := g.links(parentID)
	ids := make([]string, len(links))
	for i, l := range links {
		ids[i] = l.id
	}
	return ids
}

// Parent returns the owner id of id, or "" for roots and unknown ids.
func (g *OwnershipGraph) Parent(id string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.parent[id]
}

// Rebuild replaces the index with one derived from wants.
func (g *OwnershipGraph) Rebuild(wants []*Want) {
	g.mu.Lock()
	g.children = make(map[string][]childLink)
	g.parent = make(map[string]string)
	g.mu.Unlock()
	for _, w := range wants {
		g.add(w)
	}
}

// Reparent moves child under newParentID, or detaches it when newParentID is
// empty. The blockOwnerDeletion flag of the existing reference is kept.
func (g *OwnershipGraph) Reparent(childID, newParentID string) error {
	g.reparentMu.Lock()
	defer g.reparentMu.Unlock()

	if childID == newParentID {
		return fmt.Errorf("want %s cannot own itself: %w", childID, ErrCycleDetected)
	}
	child := g.store.entry(childID)
	if child == nil {
		return fmt.Errorf("want %s: %w", childID, ErrNotFound)
	}

	var parentName string
	if newParentID != "" {
		for cur := newParentID; cur != ""; cur = g.Parent(cur) {
			if cur == childID {
				return fmt.Errorf("%s is a descendant of %s: %w", newParentID, childID, ErrCycleDetected)
			}
		}
		pe := g.store.entry(newParentID)
		if pe == nil {
			return fmt.Errorf("parent %s: %w", newParentID, ErrNotFound)
		}
		pe.mu.Lock()
		defer pe.mu.Unlock()
		if pe.deleting || pe.deleted {
			return fmt.Errorf("parent %s is being deleted: %w", newParentID, ErrNotFound)
		}
		parentName = pe.want.Metadata.Name
	}

	_, err := g.store.update(childID, updateOptions{relink: true}, func(w *Want) error {
		if child.deleting {
			return fmt.Errorf("want %s is being deleted: %w", childID, ErrNotFound)
		}
		if w.OwnerID() == newParentID {
			return ErrNoChange
		}
		if newParentID == "" {
			w.Metadata.OwnerReferences = nil
			return nil
		}
		ref := OwnerReference{
			APIVersion: "mywant/v1",
			Kind:       "Want",
			Name:       parentName,
			ID:         newParentID,
			Controller: true,
		}
		if old := w.Owner(); old != nil {
			ref.BlockOwnerDeletion = old.BlockOwnerDeletion
		}
		w.Metadata.OwnerReferences = []OwnerReference{ref}
		return nil
	})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	return err
}

// CascadeDelete deletes parentID together with its blocking descendants.
func (g *OwnershipGraph) CascadeDelete(parentID string) error {
	return g.store.Delete(parentID)
}
