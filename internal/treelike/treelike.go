// Package treelike provides the uniform read/write surface over plain
// snapshots and layered mutations: any value implementing TreeLike is a
// tree, and a sequence of trees can be staged into a single TreeLike
// presenting the union of ids with the topmost override winning per id.
//
// A small interface plus a staging combinator, rather than one concrete
// tree type with exactly one in-memory shape, because sync needs to
// compose base/local/remote/validation layers without copying data
// between them.
package treelike

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/internal/filetree"
)

// TreeLike is satisfied by a plain snapshot, a staged tree, or a lazy
// tree wrapping either. It never requires interface assertions to use
// static vs. dynamic dispatch: callers on a hot path can hold the
// concrete type they built; callers needing the uniform surface
// (validation, merge) hold a TreeLike value.
type TreeLike interface {
	// Ids lists every file id visible in this tree.
	Ids() []uuid.UUID
	// MaybeFindFile returns the file for id, or ok=false if absent.
	MaybeFindFile(id uuid.UUID) (*filetree.File, bool)
	// FindFile returns the file for id, or an error if absent.
	FindFile(id uuid.UUID) (*filetree.File, error)
	// FindParent returns the parent file of id's file. For the root this
	// returns the root itself (parent == id).
	FindParent(id uuid.UUID) (*filetree.File, error)
}

var ErrNotFound = fmt.Errorf("treelike: file not found")

// Snapshot is a flat, map-backed TreeLike: a set of file records indexed
// by id (§3.1 "Tree snapshot"). It is the leaf implementation everything
// else stages over.
type Snapshot struct {
	byID map[uuid.UUID]*filetree.File
}

// NewSnapshot builds a Snapshot from a slice of files.
func NewSnapshot(files []*filetree.File) *Snapshot {
	s := &Snapshot{byID: make(map[uuid.UUID]*filetree.File, len(files))}
	for _, f := range files {
		s.byID[f.ID] = f
	}
	return s
}

// EmptySnapshot returns a Snapshot with no files.
func EmptySnapshot() *Snapshot {
	return &Snapshot{byID: make(map[uuid.UUID]*filetree.File)}
}

func (s *Snapshot) Ids() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	return ids
}

func (s *Snapshot) MaybeFindFile(id uuid.UUID) (*filetree.File, bool) {
	f, ok := s.byID[id]
	return f, ok
}

func (s *Snapshot) FindFile(id uuid.UUID) (*filetree.File, error) {
	f, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("treelike.Snapshot.FindFile(%s): %w", id, ErrNotFound)
	}
	return f, nil
}

func (s *Snapshot) FindParent(id uuid.UUID) (*filetree.File, error) {
	f, err := s.FindFile(id)
	if err != nil {
		return nil, err
	}
	return s.FindFile(f.Parent)
}

// Put inserts or overwrites the file for its own id.
func (s *Snapshot) Put(f *filetree.File) {
	s.byID[f.ID] = f
}

// Remove deletes the file for id from the snapshot (only ever used to
// physically prune, never to represent a tombstone — tombstones are
// ExplicitlyDeleted=true records, per §3.3).
func (s *Snapshot) Remove(id uuid.UUID) {
	delete(s.byID, id)
}

// Len reports how many files the snapshot holds.
func (s *Snapshot) Len() int { return len(s.byID) }

// Clone returns a Snapshot with the same files (not deep-copied; callers
// that mutate a *filetree.File in place must Clone() the File itself
// first).
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{byID: make(map[uuid.UUID]*filetree.File, len(s.byID))}
	for id, f := range s.byID {
		out.byID[id] = f
	}
	return out
}
