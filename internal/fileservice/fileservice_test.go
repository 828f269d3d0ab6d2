package fileservice

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/internal/cryptography"
	"github.com/lockbook/lockbook/internal/docstore"
	"github.com/lockbook/lockbook/internal/errkind"
	"github.com/lockbook/lockbook/internal/filetree"
	"github.com/lockbook/lockbook/internal/localdb"
	"github.com/stretchr/testify/require"
)

// newTestService wires a fresh Service over a temp localdb and docstore,
// with a self-wrapped root already committed to the local layer — the
// state a real account reaches right after create_account.
func newTestService(t *testing.T) (*Service, *Identity, uuid.UUID) {
	t.Helper()
	signing, err := cryptography.NewSigningKeyPair()
	require.NoError(t, err)
	ecdh, err := cryptography.NewECDHKeyPair()
	require.NoError(t, err)
	identity := &Identity{Signing: signing, ECDH: ecdh}

	db, err := localdb.Open(filepath.Join(t.TempDir(), "lockbook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	docs := docstore.New(t.TempDir())

	rootKey, err := cryptography.NewKey()
	require.NoError(t, err)
	kek, err := cryptography.DeriveKEK(ecdh.Private, ecdh.Public)
	require.NoError(t, err)
	wrapped, err := cryptography.Encrypt(kek, rootKey)
	require.NoError(t, err)

	rootID := filetree.NewID()
	root := &filetree.File{
		ID:     rootID,
		Parent: rootID,
		Type:   filetree.Folder,
		Owner:  identity.PublicKey(),
		UserAccessKeys: []filetree.UserAccessKey{{
			EncryptedFor: ecdh.Public.Bytes(),
			EncryptedBy:  ecdh.Public.Bytes(),
			AccessKey:    wrapped,
			Mode:         filetree.Write,
		}},
	}
	sign(identity, root)

	tx, err := db.Begin(localdb.Local)
	require.NoError(t, err)
	require.NoError(t, tx.PutFile(root))
	require.NoError(t, tx.Commit())

	return New(db, docs, identity), identity, rootID
}

func TestCreateFileRejectsEmptyAndSlashNames(t *testing.T) {
	s, _, root := newTestService(t)
	_, err := s.CreateFile(root, "", filetree.Document, uuid.Nil)
	require.True(t, errkind.Is(err, errkind.FileNameEmpty))

	_, err = s.CreateFile(root, "a/b", filetree.Document, uuid.Nil)
	require.True(t, errkind.Is(err, errkind.FileNameContainsSlash))
}

func TestCreateFileRejectsDuplicateSiblingName(t *testing.T) {
	s, _, root := newTestService(t)
	_, err := s.CreateFile(root, "todo.md", filetree.Document, uuid.Nil)
	require.NoError(t, err)

	_, err = s.CreateFile(root, "todo.md", filetree.Document, uuid.Nil)
	require.True(t, errkind.Is(err, errkind.PathTaken))
}

func TestCreateFileUnderDocumentFails(t *testing.T) {
	s, _, root := newTestService(t)
	docID, err := s.CreateFile(root, "todo.md", filetree.Document, uuid.Nil)
	require.NoError(t, err)

	_, err = s.CreateFile(docID, "nested.md", filetree.Document, uuid.Nil)
	require.True(t, errkind.Is(err, errkind.FileNotFolder))
}

func TestWriteAndReadDocumentRoundTrip(t *testing.T) {
	s, _, root := newTestService(t)
	id, err := s.CreateFile(root, "notes.md", filetree.Document, uuid.Nil)
	require.NoError(t, err)

	require.NoError(t, s.WriteDocument(id, []byte("hello world")))
	got, err := s.ReadDocument(id)
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)

	require.NoError(t, s.WriteDocument(id, []byte("revised")))
	got, err = s.ReadDocument(id)
	require.NoError(t, err)
	require.Equal(t, []byte("revised"), got)
}

func TestWriteDocumentRejectsNonDocument(t *testing.T) {
	s, _, root := newTestService(t)
	folderID, err := s.CreateFile(root, "folder", filetree.Folder, uuid.Nil)
	require.NoError(t, err)
	err = s.WriteDocument(folderID, []byte("x"))
	require.True(t, errkind.Is(err, errkind.FileNotDocument))
}

func TestRenameFileUpdatesNameAndRejectsCollision(t *testing.T) {
	s, _, root := newTestService(t)
	a, err := s.CreateFile(root, "a.md", filetree.Document, uuid.Nil)
	require.NoError(t, err)
	_, err = s.CreateFile(root, "b.md", filetree.Document, uuid.Nil)
	require.NoError(t, err)

	require.NoError(t, s.RenameFile(a, "a-renamed.md"))
	found, err := s.GetByPath(root, "a-renamed.md")
	require.NoError(t, err)
	require.Equal(t, a, found)

	err = s.RenameFile(a, "b.md")
	require.True(t, errkind.Is(err, errkind.PathTaken))
}

func TestRenameRootFails(t *testing.T) {
	s, _, root := newTestService(t)
	err := s.RenameFile(root, "new-root-name")
	require.True(t, errkind.Is(err, errkind.CannotRenameRoot))
}

func TestMoveFileReparents(t *testing.T) {
	s, _, root := newTestService(t)
	folder, err := s.CreateFile(root, "folder", filetree.Folder, uuid.Nil)
	require.NoError(t, err)
	doc, err := s.CreateFile(root, "doc.md", filetree.Document, uuid.Nil)
	require.NoError(t, err)

	require.NoError(t, s.MoveFile(doc, folder))
	found, err := s.GetByPath(root, "folder/doc.md")
	require.NoError(t, err)
	require.Equal(t, doc, found)
}

func TestMoveFolderIntoOwnDescendantFails(t *testing.T) {
	s, _, root := newTestService(t)
	parent, err := s.CreateFile(root, "parent", filetree.Folder, uuid.Nil)
	require.NoError(t, err)
	child, err := s.CreateFile(parent, "child", filetree.Folder, uuid.Nil)
	require.NoError(t, err)

	err = s.MoveFile(parent, child)
	require.True(t, errkind.Is(err, errkind.FolderMovedIntoSelf))
}

func TestMoveRootFails(t *testing.T) {
	s, _, root := newTestService(t)
	folder, err := s.CreateFile(root, "folder", filetree.Folder, uuid.Nil)
	require.NoError(t, err)
	err = s.MoveFile(root, folder)
	require.True(t, errkind.Is(err, errkind.CannotMoveRoot))
}

func TestDeleteFileIsTombstoneNotPhysicalRemoval(t *testing.T) {
	s, _, root := newTestService(t)
	id, err := s.CreateFile(root, "doomed.md", filetree.Document, uuid.Nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteFile(id))
	_, err = s.GetByPath(root, "doomed.md")
	require.True(t, errkind.Is(err, errkind.FileNonexistent))

	paths, err := s.ListPaths(root)
	require.NoError(t, err)
	require.NotContains(t, paths, id)

	// The record itself is still present, flagged as deleted.
	lazy, err := s.loadLocalTree()
	require.NoError(t, err)
	f, err := lazy.FindFile(id)
	require.NoError(t, err)
	require.True(t, f.ExplicitlyDeleted)
}

func TestDeleteRootFails(t *testing.T) {
	s, _, root := newTestService(t)
	err := s.DeleteFile(root)
	require.True(t, errkind.Is(err, errkind.CannotDeleteRoot))
}

func TestShareFileGrantsRecipientAccess(t *testing.T) {
	s, _, root := newTestService(t)
	id, err := s.CreateFile(root, "shared.md", filetree.Document, uuid.Nil)
	require.NoError(t, err)

	recipientECDH, err := cryptography.NewECDHKeyPair()
	require.NoError(t, err)

	require.NoError(t, s.ShareFile(id, recipientECDH.Public.Bytes(), filetree.Read))

	lazy, err := s.loadLocalTree()
	require.NoError(t, err)
	f, err := lazy.FindFile(id)
	require.NoError(t, err)
	require.Len(t, f.UserAccessKeys, 1)
	require.Equal(t, recipientECDH.Public.Bytes(), f.UserAccessKeys[0].EncryptedFor)
}

func TestListPathsReflectsFolderHierarchy(t *testing.T) {
	s, _, root := newTestService(t)
	folder, err := s.CreateFile(root, "folder", filetree.Folder, uuid.Nil)
	require.NoError(t, err)
	_, err = s.CreateFile(folder, "nested.md", filetree.Document, uuid.Nil)
	require.NoError(t, err)

	paths, err := s.ListPaths(root)
	require.NoError(t, err)
	require.Equal(t, "/", paths[root])
	require.Contains(t, paths, folder)
	require.Equal(t, "/folder", paths[folder])

	nestedID, err := s.GetByPath(root, "folder/nested.md")
	require.NoError(t, err)
	require.Equal(t, "/folder/nested.md", paths[nestedID])
}
