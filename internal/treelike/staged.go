package treelike

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/internal/filetree"
)

// StagedTree presents the union of ids across a stack of TreeLike layers,
// returning the topmost layer's record for each id (§4.2 "staging
// composes"). It never copies the underlying layers; staging is purely a
// view.
type StagedTree struct {
	// base is the tree this stage overrides. It may itself be a
	// *StagedTree, so staging is transitive.
	base TreeLike
	// overrides holds this stage's own records, keyed by id. A record
	// present here always wins over base, including when its
	// ExplicitlyDeleted differs — overrides never represent "remove
	// this id from the tree" (that would violate §3.3's tombstone
	// model), only "this id's record, as staged".
	overrides map[uuid.UUID]*filetree.File
}

// Stage layers a new override map over base. Use an empty overrides map
// plus repeated calls to Update to build up a mutation.
func Stage(base TreeLike) *StagedTree {
	return &StagedTree{base: base, overrides: make(map[uuid.UUID]*filetree.File)}
}

// Update stages f as the override for its own id.
func (t *StagedTree) Update(f *filetree.File) {
	t.overrides[f.ID] = f
}

// Overrides returns the files staged directly on this layer (not
// transitively through base), for callers that need to know exactly what
// changed at this layer (e.g. the sync service computing a push diff).
func (t *StagedTree) Overrides() map[uuid.UUID]*filetree.File {
	return t.overrides
}

// Base returns the tree this stage overrides.
func (t *StagedTree) Base() TreeLike { return t.base }

func (t *StagedTree) Ids() []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for id := range t.overrides {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range t.base.Ids() {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *StagedTree) MaybeFindFile(id uuid.UUID) (*filetree.File, bool) {
	if f, ok := t.overrides[id]; ok {
		return f, true
	}
	return t.base.MaybeFindFile(id)
}

func (t *StagedTree) FindFile(id uuid.UUID) (*filetree.File, error) {
	f, ok := t.MaybeFindFile(id)
	if !ok {
		return nil, fmt.Errorf("treelike.StagedTree.FindFile(%s): %w", id, ErrNotFound)
	}
	return f, nil
}

func (t *StagedTree) FindParent(id uuid.UUID) (*filetree.File, error) {
	f, err := t.FindFile(id)
	if err != nil {
		return nil, err
	}
	return t.FindFile(f.Parent)
}

// Promote flattens this staged tree into a plain Snapshot, resolving the
// full stack of layers. Promoting invalidates any LazyTree cache built
// over it except the key cache (see lazytree package).
func Promote(t TreeLike) *Snapshot {
	s := EmptySnapshot()
	for _, id := range t.Ids() {
		f, _ := t.MaybeFindFile(id)
		s.Put(f)
	}
	return s
}
