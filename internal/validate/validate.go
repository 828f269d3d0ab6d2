// Package validate checks the §3.2 invariants against a lazily-decrypted
// staged tree, returning a structured report rather than failing on the
// first broken invariant, so callers can surface every actionable
// problem at once.
//
// An encrypted, shared tree has many more invariants to check than a
// single-owner content tree: decryptability, key-wrapping consistency,
// cycle-freedom, and ownership all need their own pass.
package validate

import (
	"strings"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/internal/filetree"
	"github.com/lockbook/lockbook/internal/lazytree"
)

// Invariant names an individual broken rule from §3.2.
type Invariant int

const (
	SingleRootPerOwner Invariant = iota
	NoOrphans
	NoCycles
	FoldersOnlyContainChildren
	UniqueSiblingNames
	NonEmptySlashFreeName
	LinkIntegrity
	Decryptability
	DocumentHmacCoherence
)

func (i Invariant) String() string {
	switch i {
	case SingleRootPerOwner:
		return "SingleRootPerOwner"
	case NoOrphans:
		return "NoOrphans"
	case NoCycles:
		return "NoCycles"
	case FoldersOnlyContainChildren:
		return "FoldersOnlyContainChildren"
	case UniqueSiblingNames:
		return "UniqueSiblingNames"
	case NonEmptySlashFreeName:
		return "NonEmptySlashFreeName"
	case LinkIntegrity:
		return "LinkIntegrity"
	case Decryptability:
		return "Decryptability"
	case DocumentHmacCoherence:
		return "DocumentHmacCoherence"
	default:
		return "Unknown"
	}
}

// Failure names one broken invariant and the file(s) responsible.
type Failure struct {
	Invariant Invariant
	FileIDs   []uuid.UUID
	Detail    string
}

// Report is the outcome of a validation pass: empty Failures means the
// tree may be promoted to base.
type Report struct {
	Failures []Failure
}

func (r *Report) OK() bool { return len(r.Failures) == 0 }

func (r *Report) add(inv Invariant, detail string, ids ...uuid.UUID) {
	r.Failures = append(r.Failures, Failure{Invariant: inv, FileIDs: ids, Detail: detail})
}

// Run checks every §3.2 invariant against tree for the files owned by
// owner (an owner's own tree can graft share roots owned by others; those
// are checked for link-integrity/decryptability but not for
// single-root/orphan rules, which are scoped per-owner).
func Run(tree *lazytree.Tree, owner []byte) *Report {
	r := &Report{}

	ids := tree.Ids()
	files := make(map[uuid.UUID]*filetree.File, len(ids))
	for _, id := range ids {
		f, _ := tree.MaybeFindFile(id)
		files[id] = f
	}

	checkSingleRoot(r, files, owner)
	checkOrphansAndCycles(r, tree, files)
	checkFolderShape(r, tree, files)
	checkSiblingNames(r, tree, files)
	checkNames(r, tree, files)
	checkLinks(r, tree, files)
	checkDecryptability(r, tree, files)
	checkDocumentHmac(r, files)

	return r
}

func checkSingleRoot(r *Report, files map[uuid.UUID]*filetree.File, owner []byte) {
	var roots []uuid.UUID
	for id, f := range files {
		if f.IsRoot() && sameBytes(f.Owner, owner) {
			roots = append(roots, id)
		}
	}
	if len(roots) != 1 {
		r.add(SingleRootPerOwner, "expected exactly one root for owner", roots...)
	}
}

func checkOrphansAndCycles(r *Report, tree *lazytree.Tree, files map[uuid.UUID]*filetree.File) {
	for id, f := range files {
		if f.IsRoot() {
			continue
		}
		parent, ok := files[f.Parent]
		if !ok {
			// Might be a share root: owner differs from parent's owner
			// and grants access via user-access keys. Since the parent
			// is absent here, this can only be a share root if f itself
			// carries unlockable user-access keys.
			if len(f.UserAccessKeys) == 0 {
				r.add(NoOrphans, "parent missing and no user-access keys", id)
			}
			continue
		}
		_ = parent

		// Cycle detection: walk up at most len(files)+1 steps and look
		// for a repeat.
		visited := map[uuid.UUID]struct{}{id: {}}
		cur := f.Parent
		depth := 0
		for {
			depth++
			if depth > len(files)+1 {
				r.add(NoCycles, "cycle exceeds tree size while walking to root", id)
				break
			}
			cf, ok := files[cur]
			if !ok {
				break
			}
			if cf.IsRoot() {
				break
			}
			if _, seen := visited[cur]; seen {
				r.add(NoCycles, "cycle detected", id)
				break
			}
			visited[cur] = struct{}{}
			cur = cf.Parent
		}
	}
}

func checkFolderShape(r *Report, tree *lazytree.Tree, files map[uuid.UUID]*filetree.File) {
	for id, f := range files {
		if f.Type != filetree.Document {
			continue
		}
		if len(tree.Children(id)) > 0 {
			r.add(FoldersOnlyContainChildren, "document has children", id)
		}
	}
}

func checkSiblingNames(r *Report, tree *lazytree.Tree, files map[uuid.UUID]*filetree.File) {
	byParent := make(map[uuid.UUID]map[string]uuid.UUID)
	for id, f := range files {
		if f.IsRoot() {
			continue
		}
		m := byParent[f.Parent]
		if m == nil {
			m = make(map[string]uuid.UUID)
			byParent[f.Parent] = m
		}
		key := string(f.NameHMAC)
		if other, exists := m[key]; exists {
			r.add(UniqueSiblingNames, "duplicate name hmac among siblings", id, other)
			continue
		}
		m[key] = id
	}
}

func checkNames(r *Report, tree *lazytree.Tree, files map[uuid.UUID]*filetree.File) {
	for id, f := range files {
		if f.IsRoot() {
			continue
		}
		name, err := tree.Name(id)
		if err != nil {
			// Decryptability check below reports this; avoid double
			// counting a name failure caused by an undecryptable key.
			continue
		}
		if name == "" {
			r.add(NonEmptySlashFreeName, "empty name", id)
		}
		if strings.Contains(name, "/") {
			r.add(NonEmptySlashFreeName, "name contains slash", id)
		}
	}
}

func checkLinks(r *Report, tree *lazytree.Tree, files map[uuid.UUID]*filetree.File) {
	targets := make(map[uuid.UUID]uuid.UUID) // target -> link
	for id, f := range files {
		if f.Type != filetree.Link {
			continue
		}
		target, ok := files[f.LinkTarget]
		if !ok {
			r.add(LinkIntegrity, "link target missing", id)
			continue
		}
		if target.ExplicitlyDeleted || tree.CalculateDeleted(f.LinkTarget) {
			r.add(LinkIntegrity, "link target deleted", id)
			continue
		}
		if other, exists := targets[f.LinkTarget]; exists {
			r.add(LinkIntegrity, "two links target the same file", id, other)
			continue
		}
		targets[f.LinkTarget] = id

		if sameBytes(f.Owner, target.Owner) {
			r.add(LinkIntegrity, "link owned by target's owner", id)
			continue
		}

		linkAncestors := append(tree.Ancestors(id), id)
		targetAncestors := append(tree.Ancestors(f.LinkTarget), f.LinkTarget)
		if shareAncestor(linkAncestors, targetAncestors) {
			r.add(LinkIntegrity, "link and target share an ancestor", id)
		}
	}
}

func shareAncestor(a, b []uuid.UUID) bool {
	set := make(map[uuid.UUID]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func checkDecryptability(r *Report, tree *lazytree.Tree, files map[uuid.UUID]*filetree.File) {
	for id, f := range files {
		if f.IsRoot() {
			continue
		}
		if _, err := tree.Name(id); err != nil {
			r.add(Decryptability, err.Error(), id)
		}
	}
}

func checkDocumentHmac(r *Report, files map[uuid.UUID]*filetree.File) {
	for id, f := range files {
		if f.Type != filetree.Document {
			continue
		}
		if f.DocumentHMAC != nil && len(f.DocumentHMAC) != 32 {
			r.add(DocumentHmacCoherence, "document hmac has wrong length", id)
		}
	}
}

func sameBytes(a, b []byte) bool {
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
