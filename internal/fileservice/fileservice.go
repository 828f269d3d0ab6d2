// Package fileservice is the public CRUD+share surface over the local
// tree: create, write, read, rename, move, delete, share, link, and path
// lookups. Every mutating method stages its change over the local tree,
// validates the result, and commits atomically; a validation failure
// leaves the local tree untouched.
//
// Every structural change also has to thread a key: new files need a
// fresh symmetric key wrapped under the parent's; shares need a key
// wrapped under a recipient's derived KEK.
package fileservice

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/internal/cryptography"
	"github.com/lockbook/lockbook/internal/docstore"
	"github.com/lockbook/lockbook/internal/errkind"
	"github.com/lockbook/lockbook/internal/filetree"
	"github.com/lockbook/lockbook/internal/lazytree"
	"github.com/lockbook/lockbook/internal/localdb"
	"github.com/lockbook/lockbook/internal/treelike"
	"github.com/lockbook/lockbook/internal/validate"
)

// Identity is the account's key material: an Ed25519 signing pair (file
// ownership and request signing) plus an ECDH pair (share key
// wrapping). It implements lazytree.Account.
type Identity struct {
	Signing *cryptography.SigningKeyPair
	ECDH    *cryptography.ECDHKeyPair
}

func (id *Identity) PublicKey() []byte { return []byte(id.Signing.Public) }

func (id *Identity) TryUnwrapUserAccessKey(k filetree.UserAccessKey) (fileKey []byte, ok bool, err error) {
	myECDHPublic := id.ECDH.Public.Bytes()
	if !bytesEqual(k.EncryptedFor, myECDHPublic) {
		return nil, false, nil
	}
	sharerPublic, err := cryptography.ParseECDHPublicKey(k.EncryptedBy)
	if err != nil {
		return nil, false, errkind.Wrap(errkind.Unexpected, err, "parse sharer ecdh public key")
	}
	kek, err := cryptography.DeriveKEK(id.ECDH.Private, sharerPublic)
	if err != nil {
		return nil, false, errkind.Wrap(errkind.Unexpected, err, "derive kek")
	}
	plain, err := cryptography.Decrypt(kek, k.AccessKey)
	if err != nil {
		return nil, false, errkind.Wrap(errkind.DecryptAuth, err, "unwrap user access key")
	}
	return plain, true, nil
}

func bytesEqual(a, b []byte) bool {
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

// Service is the entry point for file operations against one account's
// local tree.
type Service struct {
	db       *localdb.DB
	docs     *docstore.Store
	identity *Identity
}

func New(db *localdb.DB, docs *docstore.Store, identity *Identity) *Service {
	return &Service{db: db, docs: docs, identity: identity}
}

// loadLocalTree builds a lazy tree over the base layer with every record
// currently staged in the local layer laid over it (§4.4 "local
// metadata").
func (s *Service) loadLocalTree() (*lazytree.Tree, error) {
	baseFiles, err := s.db.LoadAll(localdb.Base)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "load base metadata")
	}
	files, err := s.db.LoadAll(localdb.Local)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "load local metadata")
	}
	staged := treelike.Stage(treelike.NewSnapshot(baseFiles))
	for _, f := range files {
		staged.Update(f)
	}
	return lazytree.Wrap(staged, s.identity), nil
}

// commit validates staged, and if it passes, writes every overridden
// file record back to the local layer in one bbolt transaction. It
// never touches the base layer — that only happens at sync time.
func (s *Service) commit(staged *treelike.StagedTree) error {
	lazy := lazytree.Wrap(staged, s.identity)
	report := validate.Run(lazy, s.identity.PublicKey())
	if !report.OK() {
		return errkind.New(errkind.ValidationFailure, "%d invariant(s) broken: %+v", len(report.Failures), report.Failures)
	}

	tx, err := s.db.Begin(localdb.Local)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "begin local tx")
	}
	for _, f := range staged.Overrides() {
		if err := tx.PutFile(f); err != nil {
			tx.Rollback()
			return errkind.Wrap(errkind.Unexpected, err, "put file %s", f.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "commit local tx")
	}
	return nil
}

func sign(id *Identity, f *filetree.File) {
	f.LastModifiedBy = id.PublicKey()
	f.LastModified = time.Now()
	f.Version++
	f.Signature = id.Signing.Sign(f.SigningPayload())
}

// CreateFile creates a new document, folder, or link named name under
// parentID.
func (s *Service) CreateFile(parentID uuid.UUID, name string, typ filetree.Type, linkTarget uuid.UUID) (uuid.UUID, error) {
	if name == "" {
		return uuid.Nil, errkind.New(errkind.FileNameEmpty, "")
	}
	if strings.Contains(name, "/") {
		return uuid.Nil, errkind.New(errkind.FileNameContainsSlash, "%q", name)
	}

	lazy, err := s.loadLocalTree()
	if err != nil {
		return uuid.Nil, err
	}
	parent, err := lazy.FindFile(parentID)
	if err != nil {
		return uuid.Nil, errkind.Wrap(errkind.FileNonexistent, err, "parent %s", parentID)
	}
	if parent.Type != filetree.Folder {
		return uuid.Nil, errkind.New(errkind.FileNotFolder, "parent %s", parentID)
	}

	if err := s.checkNameFree(lazy, parentID, name); err != nil {
		return uuid.Nil, err
	}

	parentKey, err := lazy.DecryptKey(parentID)
	if err != nil {
		return uuid.Nil, errkind.Wrap(errkind.DecryptAuth, err, "decrypt parent key")
	}

	var fileKey []byte
	if typ != filetree.Link {
		fileKey, err = cryptography.NewKey()
		if err != nil {
			return uuid.Nil, errkind.Wrap(errkind.Unexpected, err, "new key")
		}
	}
	wrappedKey, err := cryptography.Encrypt(parentKey, fileKey)
	if err != nil {
		return uuid.Nil, errkind.Wrap(errkind.Unexpected, err, "wrap file key")
	}
	encName, err := cryptography.EncryptName(parentKey, name)
	if err != nil {
		return uuid.Nil, errkind.Wrap(errkind.Unexpected, err, "encrypt name")
	}

	f := &filetree.File{
		ID:              filetree.NewID(),
		Parent:          parentID,
		Type:            typ,
		LinkTarget:      linkTarget,
		Owner:           s.identity.PublicKey(),
		EncryptedName:   encName.Ciphertext,
		NameHMAC:        encName.HMAC,
		FolderAccessKey: wrappedKey,
	}
	sign(s.identity, f)

	if typ == filetree.Link {
		target, err := lazy.FindFile(linkTarget)
		if err != nil {
			return uuid.Nil, errkind.Wrap(errkind.LinkTargetNonexistent, err, "%s", linkTarget)
		}
		if target.ExplicitlyDeleted || lazy.CalculateDeleted(linkTarget) {
			return uuid.Nil, errkind.New(errkind.LinkTargetNonexistent, "%s is deleted", linkTarget)
		}
	}

	staged := treelike.Stage(lazy)
	staged.Update(f)
	if err := s.commit(staged); err != nil {
		return uuid.Nil, err
	}
	return f.ID, nil
}

func (s *Service) checkNameFree(lazy *lazytree.Tree, parentID uuid.UUID, name string) error {
	for _, childID := range lazy.Children(parentID) {
		if lazy.CalculateDeleted(childID) {
			continue
		}
		existing, err := lazy.Name(childID)
		if err != nil {
			continue
		}
		if existing == name {
			return errkind.New(errkind.PathTaken, "%q under %s", name, parentID)
		}
	}
	return nil
}

// WriteDocument replaces id's content. The blob is stored content-
// addressed by the resulting hmac; the file's document_hmac field is
// updated and re-signed.
func (s *Service) WriteDocument(id uuid.UUID, content []byte) error {
	lazy, err := s.loadLocalTree()
	if err != nil {
		return err
	}
	f, err := lazy.FindFile(id)
	if err != nil {
		return errkind.Wrap(errkind.FileNonexistent, err, "%s", id)
	}
	if f.Type != filetree.Document {
		return errkind.New(errkind.FileNotDocument, "%s", id)
	}
	key, err := lazy.DecryptKey(id)
	if err != nil {
		return errkind.Wrap(errkind.DecryptAuth, err, "decrypt file key")
	}
	hmac, err := s.docs.Write(id, key, content)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "write document blob")
	}

	clone := f.Clone()
	clone.DocumentHMAC = hmac
	sign(s.identity, clone)

	staged := treelike.Stage(lazy)
	staged.Update(clone)
	return s.commit(staged)
}

// ReadDocument returns id's decrypted, decompressed content.
func (s *Service) ReadDocument(id uuid.UUID) ([]byte, error) {
	lazy, err := s.loadLocalTree()
	if err != nil {
		return nil, err
	}
	f, err := lazy.FindFile(id)
	if err != nil {
		return nil, errkind.Wrap(errkind.FileNonexistent, err, "%s", id)
	}
	if f.Type != filetree.Document {
		return nil, errkind.New(errkind.FileNotDocument, "%s", id)
	}
	key, err := lazy.DecryptKey(id)
	if err != nil {
		return nil, errkind.Wrap(errkind.DecryptAuth, err, "decrypt file key")
	}
	content, err := s.docs.Read(id, key, f.DocumentHMAC)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "read document blob")
	}
	return content, nil
}

// RenameFile changes id's name within its current parent.
func (s *Service) RenameFile(id uuid.UUID, newName string) error {
	if newName == "" {
		return errkind.New(errkind.FileNameEmpty, "")
	}
	if strings.Contains(newName, "/") {
		return errkind.New(errkind.FileNameContainsSlash, "%q", newName)
	}
	lazy, err := s.loadLocalTree()
	if err != nil {
		return err
	}
	f, err := lazy.FindFile(id)
	if err != nil {
		return errkind.Wrap(errkind.FileNonexistent, err, "%s", id)
	}
	if f.IsRoot() {
		return errkind.New(errkind.CannotRenameRoot, "")
	}
	if err := s.checkNameFree(lazy, f.Parent, newName); err != nil {
		return err
	}
	parentKey, err := lazy.DecryptKey(f.Parent)
	if err != nil {
		return errkind.Wrap(errkind.DecryptAuth, err, "decrypt parent key")
	}
	encName, err := cryptography.EncryptName(parentKey, newName)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "encrypt name")
	}
	clone := f.Clone()
	clone.EncryptedName = encName.Ciphertext
	clone.NameHMAC = encName.HMAC
	sign(s.identity, clone)

	staged := treelike.Stage(lazy)
	staged.Update(clone)
	return s.commit(staged)
}

// MoveFile reparents id under newParentID, re-wrapping its symmetric
// key (and, transitively, nothing else — descendants keep their own
// wrapped keys relative to id, which doesn't change).
func (s *Service) MoveFile(id, newParentID uuid.UUID) error {
	lazy, err := s.loadLocalTree()
	if err != nil {
		return err
	}
	f, err := lazy.FindFile(id)
	if err != nil {
		return errkind.Wrap(errkind.FileNonexistent, err, "%s", id)
	}
	if f.IsRoot() {
		return errkind.New(errkind.CannotMoveRoot, "")
	}
	newParent, err := lazy.FindFile(newParentID)
	if err != nil {
		return errkind.Wrap(errkind.FileNonexistent, err, "new parent %s", newParentID)
	}
	if newParent.Type != filetree.Folder {
		return errkind.New(errkind.FileNotFolder, "%s", newParentID)
	}
	if f.Type == filetree.Folder {
		for _, ancestor := range lazy.Ancestors(newParentID) {
			if ancestor == id {
				return errkind.New(errkind.FolderMovedIntoSelf, "%s into %s", id, newParentID)
			}
		}
		if newParentID == id {
			return errkind.New(errkind.FolderMovedIntoSelf, "%s into itself", id)
		}
	}

	name, err := lazy.Name(id)
	if err != nil {
		return errkind.Wrap(errkind.DecryptAuth, err, "decrypt current name")
	}
	if err := s.checkNameFree(lazy, newParentID, name); err != nil {
		return err
	}

	fileKey, err := lazy.DecryptKey(id)
	if err != nil {
		return errkind.Wrap(errkind.DecryptAuth, err, "decrypt file key")
	}
	newParentKey, err := lazy.DecryptKey(newParentID)
	if err != nil {
		return errkind.Wrap(errkind.DecryptAuth, err, "decrypt new parent key")
	}
	wrappedKey, err := cryptography.Encrypt(newParentKey, fileKey)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "re-wrap file key")
	}
	encName, err := cryptography.EncryptName(newParentKey, name)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "re-encrypt name")
	}

	clone := f.Clone()
	clone.Parent = newParentID
	clone.FolderAccessKey = wrappedKey
	clone.EncryptedName = encName.Ciphertext
	clone.NameHMAC = encName.HMAC
	sign(s.identity, clone)

	staged := treelike.Stage(lazy)
	staged.Update(clone)
	return s.commit(staged)
}

// DeleteFile marks id as explicitly deleted (a tombstone, §3.3); it
// does not physically remove the record or its descendants, which
// become implicitly deleted.
func (s *Service) DeleteFile(id uuid.UUID) error {
	lazy, err := s.loadLocalTree()
	if err != nil {
		return err
	}
	f, err := lazy.FindFile(id)
	if err != nil {
		return errkind.Wrap(errkind.FileNonexistent, err, "%s", id)
	}
	if f.IsRoot() {
		return errkind.New(errkind.CannotDeleteRoot, "")
	}
	clone := f.Clone()
	clone.ExplicitlyDeleted = true
	sign(s.identity, clone)

	staged := treelike.Stage(lazy)
	staged.Update(clone)
	return s.commit(staged)
}

// ShareFile grants recipientECDHPublic access to id (and transitively,
// by access-key inheritance down the subtree, everything under it) at
// the given mode, wrapping id's key under a KEK derived from the
// sharer's and recipient's ECDH keys (§3.1 "user_access_keys").
func (s *Service) ShareFile(id uuid.UUID, recipientECDHPublic []byte, mode filetree.AccessMode) error {
	lazy, err := s.loadLocalTree()
	if err != nil {
		return err
	}
	f, err := lazy.FindFile(id)
	if err != nil {
		return errkind.Wrap(errkind.FileNonexistent, err, "%s", id)
	}
	fileKey, err := lazy.DecryptKey(id)
	if err != nil {
		return errkind.Wrap(errkind.DecryptAuth, err, "decrypt file key")
	}
	recipientPublic, err := cryptography.ParseECDHPublicKey(recipientECDHPublic)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "parse recipient ecdh public key")
	}
	kek, err := cryptography.DeriveKEK(s.identity.ECDH.Private, recipientPublic)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "derive kek")
	}
	wrappedForRecipient, err := cryptography.Encrypt(kek, fileKey)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "wrap file key for recipient")
	}

	clone := f.Clone()
	clone.UserAccessKeys = append(clone.UserAccessKeys, filetree.UserAccessKey{
		EncryptedFor: recipientECDHPublic,
		EncryptedBy:  s.identity.ECDH.Public.Bytes(),
		AccessKey:    wrappedForRecipient,
		Mode:         mode,
	})
	sign(s.identity, clone)

	staged := treelike.Stage(lazy)
	staged.Update(clone)
	return s.commit(staged)
}

// GetByPath resolves a slash-separated path from the tree's root to a
// file id.
func (s *Service) GetByPath(rootID uuid.UUID, p string) (uuid.UUID, error) {
	lazy, err := s.loadLocalTree()
	if err != nil {
		return uuid.Nil, err
	}
	cur := rootID
	for _, part := range strings.Split(path.Clean("/"+p), "/") {
		if part == "" {
			continue
		}
		found := uuid.Nil
		for _, childID := range lazy.Children(cur) {
			if lazy.CalculateDeleted(childID) {
				continue
			}
			name, err := lazy.Name(childID)
			if err != nil {
				continue
			}
			if name == part {
				found = childID
				break
			}
		}
		if found == uuid.Nil {
			return uuid.Nil, errkind.New(errkind.FileNonexistent, "%s", p)
		}
		cur = found
	}
	return cur, nil
}

// ListPaths returns every non-deleted file reachable from rootID as a
// slash-separated path.
func (s *Service) ListPaths(rootID uuid.UUID) (map[uuid.UUID]string, error) {
	lazy, err := s.loadLocalTree()
	if err != nil {
		return nil, err
	}
	out := map[uuid.UUID]string{rootID: "/"}
	var walk func(id uuid.UUID, prefix string)
	walk = func(id uuid.UUID, prefix string) {
		for _, childID := range lazy.Children(id) {
			if lazy.CalculateDeleted(childID) {
				continue
			}
			name, err := lazy.Name(childID)
			if err != nil {
				continue
			}
			p := prefix + name
			out[childID] = p
			walk(childID, p+"/")
		}
	}
	walk(rootID, "/")
	return out, nil
}
