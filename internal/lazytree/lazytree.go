// Package lazytree wraps a treelike.TreeLike with caches of derived,
// expensive-to-recompute state: decrypted names, decrypted file keys,
// implicit-deletion flags, and children sets.
//
// Decrypting a name or a key here requires walking toward an ancestor
// the caller holds a key for, rather than reading straight off a single
// global key, so those derived values are cached per id once computed.
package lazytree

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/internal/cryptography"
	"github.com/lockbook/lockbook/internal/filetree"
	"github.com/lockbook/lockbook/internal/treelike"
	log "github.com/sirupsen/logrus"
)

// Account is the minimal identity surface lazytree needs: the public key
// files are checked against, and the private keys used to unwrap
// user-access records and to decrypt/sign.
type Account interface {
	PublicKey() []byte
	TryUnwrapUserAccessKey(k filetree.UserAccessKey) (fileKey []byte, ok bool, err error)
}

// Tree wraps a treelike.TreeLike with mutable caches of derived data. A
// Tree is not safe for concurrent use; each owner (a database transaction,
// the sync service) should hold its own instance (§5, "exclusive to that
// tree instance").
type Tree struct {
	treelike.TreeLike
	account Account

	names     map[uuid.UUID]string
	keys      map[uuid.UUID][]byte
	deleted   map[uuid.UUID]bool
	children  map[uuid.UUID][]uuid.UUID
}

// Wrap builds a Tree over base for the given account.
func Wrap(base treelike.TreeLike, account Account) *Tree {
	return &Tree{
		TreeLike: base,
		account:  account,
		names:    make(map[uuid.UUID]string),
		keys:     make(map[uuid.UUID][]byte),
		deleted:  make(map[uuid.UUID]bool),
		children: make(map[uuid.UUID][]uuid.UUID),
	}
}

// InvalidateAfterPromotion clears the name, implicit-deletion, and
// children caches (moves/renames/deletions change them) but preserves the
// key cache, since file keys never change once created — only who holds
// access to them (§4.2 "Cache invalidation rules").
func (t *Tree) InvalidateAfterPromotion() {
	t.names = make(map[uuid.UUID]string)
	t.deleted = make(map[uuid.UUID]bool)
	t.children = make(map[uuid.UUID][]uuid.UUID)
}

// InvalidateAll clears every cache, used when unstaging a layer this
// tree's caches were partly derived from.
func (t *Tree) InvalidateAll() {
	t.names = make(map[uuid.UUID]string)
	t.keys = make(map[uuid.UUID][]byte)
	t.deleted = make(map[uuid.UUID]bool)
	t.children = make(map[uuid.UUID][]uuid.UUID)
}

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/lockbook/lockbook/internal/lazytree."+method+": "+format, a...)
}

// DecryptKey returns the plaintext symmetric key for id, walking from id
// toward the root, stopping at the first ancestor whose key is cached or
// whose user-access record this account can unwrap, then walking back
// down decrypting each folder_access_key with its parent's key (§4.2).
func (t *Tree) DecryptKey(id uuid.UUID) ([]byte, error) {
	const method = "Tree.DecryptKey"
	if k, ok := t.keys[id]; ok {
		return k, nil
	}

	// Walk up, collecting the chain, until we find a cached key or an
	// unwrappable user-access record.
	type step struct {
		id   uuid.UUID
		file *filetree.File
	}
	var chain []step
	cur := id
	visited := make(map[uuid.UUID]struct{})
	var rootKey []byte
	for {
		if _, seen := visited[cur]; seen {
			return nil, errorf(method, "cycle detected walking to root from %s", id)
		}
		visited[cur] = struct{}{}

		if k, ok := t.keys[cur]; ok {
			rootKey = k
			break
		}

		f, err := t.FindFile(cur)
		if err != nil {
			return nil, errorf(method, "find %s: %v", cur, err)
		}

		if unwrapped, ok, err := t.tryUnwrapRoot(f); err != nil {
			return nil, err
		} else if ok {
			t.keys[cur] = unwrapped
			rootKey = unwrapped
			break
		}

		if f.IsRoot() {
			return nil, errorf(method, "reached root %s without a usable key", cur)
		}

		chain = append(chain, step{id: cur, file: f})
		cur = f.Parent
	}

	// Walk back down, decrypting folder_access_key with each parent's key.
	key := rootKey
	for i := len(chain) - 1; i >= 0; i-- {
		s := chain[i]
		plain, err := cryptography.Decrypt(key, s.file.FolderAccessKey)
		if err != nil {
			return nil, errorf(method, "decrypt folder_access_key for %s: %v", s.id, err)
		}
		t.keys[s.id] = plain
		key = plain
	}
	return key, nil
}

// tryUnwrapRoot attempts to treat f as a point at which the account's own
// held keys give direct access: either its key is already cached (handled
// by the caller) or it carries a user-access record this account can
// unwrap (root or share root).
func (t *Tree) tryUnwrapRoot(f *filetree.File) ([]byte, bool, error) {
	for _, uak := range f.UserAccessKeys {
		if uak.Deleted {
			continue
		}
		key, ok, err := t.account.TryUnwrapUserAccessKey(uak)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return key, true, nil
		}
	}
	return nil, false, nil
}

// Name returns id's decrypted name, following a link to its target first
// (links are transparent for naming), then decrypting under the parent's
// key (§4.2).
func (t *Tree) Name(id uuid.UUID) (string, error) {
	const method = "Tree.Name"
	if n, ok := t.names[id]; ok {
		return n, nil
	}
	f, err := t.FindFile(id)
	if err != nil {
		return "", errorf(method, "find %s: %v", id, err)
	}
	target := f
	if f.Type == filetree.Link {
		target, err = t.FindFile(f.LinkTarget)
		if err != nil {
			return "", errorf(method, "follow link %s -> %s: %v", id, f.LinkTarget, err)
		}
	}
	if target.IsRoot() {
		t.names[id] = ""
		return "", nil
	}
	parentKey, err := t.DecryptKey(target.Parent)
	if err != nil {
		return "", errorf(method, "decrypt parent key for %s: %v", id, err)
	}
	name, err := cryptography.DecryptName(parentKey, target.EncryptedName)
	if err != nil {
		return "", errorf(method, "decrypt name for %s: %v", id, err)
	}
	t.names[id] = name
	return name, nil
}

// CalculateDeleted walks to the root, returning true if any ancestor
// (within the visible portion of the tree) is explicitly deleted.
// Populates the implicit-deletion cache for every visited id. The walk
// tolerates cycles defensively (§4.2, §9): it runs before validation can
// reject a corrupt tree.
func (t *Tree) CalculateDeleted(id uuid.UUID) bool {
	var chain []uuid.UUID
	cur := id
	visited := make(map[uuid.UUID]struct{})
	result := false
	for {
		if d, ok := t.deleted[cur]; ok {
			result = d
			break
		}
		if _, seen := visited[cur]; seen {
			log.WithField("id", cur).Warn("lazytree.Tree.CalculateDeleted: cycle detected, treating as not deleted")
			result = false
			break
		}
		visited[cur] = struct{}{}
		chain = append(chain, cur)

		f, ok := t.MaybeFindFile(cur)
		if !ok {
			result = false
			break
		}
		if f.ExplicitlyDeleted {
			result = true
			break
		}
		if f.IsRoot() {
			result = false
			break
		}
		cur = f.Parent
	}
	for _, id := range chain {
		t.deleted[id] = result
	}
	return result
}

// Children returns the ids whose parent is id, populating the children
// cache for id.
func (t *Tree) Children(id uuid.UUID) []uuid.UUID {
	if c, ok := t.children[id]; ok {
		return c
	}
	var out []uuid.UUID
	for _, candidate := range t.Ids() {
		if candidate == id {
			continue
		}
		f, ok := t.MaybeFindFile(candidate)
		if !ok || f.IsRoot() {
			continue
		}
		if f.Parent == id {
			out = append(out, candidate)
		}
	}
	t.children[id] = out
	return out
}

// Descendants returns every id reachable from id by repeatedly following
// Children, tolerating cycles defensively (§4.2).
func (t *Tree) Descendants(id uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	visited := map[uuid.UUID]struct{}{id: {}}
	queue := []uuid.UUID{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range t.Children(cur) {
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// Ancestors returns the chain of ids from id's parent up to (and
// including) the root, tolerating cycles defensively.
func (t *Tree) Ancestors(id uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	visited := map[uuid.UUID]struct{}{id: {}}
	cur := id
	for {
		f, ok := t.MaybeFindFile(cur)
		if !ok || f.IsRoot() {
			return out
		}
		if _, seen := visited[f.Parent]; seen {
			return out
		}
		visited[f.Parent] = struct{}{}
		out = append(out, f.Parent)
		cur = f.Parent
	}
}

// InPendingShare walks parents; returns true iff the walk terminates at a
// share root rather than the user's own root (§4.2).
func (t *Tree) InPendingShare(id uuid.UUID) bool {
	cur := id
	visited := make(map[uuid.UUID]struct{})
	for {
		if _, seen := visited[cur]; seen {
			return false
		}
		visited[cur] = struct{}{}
		f, ok := t.MaybeFindFile(cur)
		if !ok {
			return false
		}
		if f.IsRoot() {
			return !sameOwner(f.Owner, t.account.PublicKey())
		}
		cur = f.Parent
	}
}

func sameOwner(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
