package lazytree_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/internal/cryptography"
	"github.com/lockbook/lockbook/internal/fileservice"
	"github.com/lockbook/lockbook/internal/filetree"
	. "github.com/lockbook/lockbook/internal/lazytree"
	"github.com/lockbook/lockbook/internal/treelike"
	"github.com/stretchr/testify/require"
)

func newIdentity(t *testing.T) *fileservice.Identity {
	t.Helper()
	signing, err := cryptography.NewSigningKeyPair()
	require.NoError(t, err)
	ecdh, err := cryptography.NewECDHKeyPair()
	require.NoError(t, err)
	return &fileservice.Identity{Signing: signing, ECDH: ecdh}
}

// buildTree constructs a root (self-wrapped for owner) with a folder and
// a document beneath it, returning the wrapped lazytree.Tree plus the ids.
func buildTree(t *testing.T, owner *fileservice.Identity) (*Tree, uuid.UUID, uuid.UUID, uuid.UUID) {
	t.Helper()
	rootKey, err := cryptography.NewKey()
	require.NoError(t, err)

	kek, err := cryptography.DeriveKEK(owner.ECDH.Private, owner.ECDH.Public)
	require.NoError(t, err)
	wrappedRootKey, err := cryptography.Encrypt(kek, rootKey)
	require.NoError(t, err)

	rootID := uuid.New()
	root := &filetree.File{
		ID:     rootID,
		Parent: rootID,
		Type:   filetree.Folder,
		Owner:  owner.PublicKey(),
		UserAccessKeys: []filetree.UserAccessKey{
			{
				EncryptedFor: owner.ECDH.Public.Bytes(),
				EncryptedBy:  owner.ECDH.Public.Bytes(),
				AccessKey:    wrappedRootKey,
				Mode:         filetree.Write,
			},
		},
	}

	folderKey, err := cryptography.NewKey()
	require.NoError(t, err)
	wrappedFolderKey, err := cryptography.Encrypt(rootKey, folderKey)
	require.NoError(t, err)
	folderName, err := cryptography.EncryptName(rootKey, "notes")
	require.NoError(t, err)
	folderID := uuid.New()
	folder := &filetree.File{
		ID:              folderID,
		Parent:          rootID,
		Type:            filetree.Folder,
		Owner:           owner.PublicKey(),
		EncryptedName:   folderName.Ciphertext,
		NameHMAC:        folderName.HMAC,
		FolderAccessKey: wrappedFolderKey,
	}

	docKey, err := cryptography.NewKey()
	require.NoError(t, err)
	wrappedDocKey, err := cryptography.Encrypt(folderKey, docKey)
	require.NoError(t, err)
	docName, err := cryptography.EncryptName(folderKey, "todo.md")
	require.NoError(t, err)
	docID := uuid.New()
	doc := &filetree.File{
		ID:              docID,
		Parent:          folderID,
		Type:            filetree.Document,
		Owner:           owner.PublicKey(),
		EncryptedName:   docName.Ciphertext,
		NameHMAC:        docName.HMAC,
		FolderAccessKey: wrappedDocKey,
	}

	snap := treelike.NewSnapshot([]*filetree.File{root, folder, doc})
	return Wrap(snap, owner), rootID, folderID, docID
}

func TestDecryptKeyWalksFromSelfWrappedRoot(t *testing.T) {
	owner := newIdentity(t)
	tr, rootID, folderID, docID := buildTree(t, owner)

	rootKey, err := tr.DecryptKey(rootID)
	require.NoError(t, err)
	require.Len(t, rootKey, cryptography.KeySize)

	folderKey, err := tr.DecryptKey(folderID)
	require.NoError(t, err)
	require.NotEqual(t, rootKey, folderKey)

	docKey, err := tr.DecryptKey(docID)
	require.NoError(t, err)
	require.NotEqual(t, folderKey, docKey)

	// Second call should hit the cache and return the identical key.
	again, err := tr.DecryptKey(docID)
	require.NoError(t, err)
	require.Equal(t, docKey, again)
}

func TestNameDecryptsThroughAncestorChain(t *testing.T) {
	owner := newIdentity(t)
	tr, rootID, _, docID := buildTree(t, owner)

	name, err := tr.Name(docID)
	require.NoError(t, err)
	require.Equal(t, "todo.md", name)

	rootName, err := tr.Name(rootID)
	require.NoError(t, err)
	require.Equal(t, "", rootName)
}

func TestDecryptKeyFailsForUnrelatedAccount(t *testing.T) {
	owner := newIdentity(t)
	stranger := newIdentity(t)
	tr, _, _, docID := buildTree(t, owner)

	strangerTree := Wrap(tr.TreeLike, stranger)
	_, err := strangerTree.DecryptKey(docID)
	require.Error(t, err)
}

func TestCalculateDeletedWalksToRoot(t *testing.T) {
	owner := newIdentity(t)
	tr, _, folderID, docID := buildTree(t, owner)

	require.False(t, tr.CalculateDeleted(docID))

	f, err := tr.FindFile(folderID)
	require.NoError(t, err)
	f.ExplicitlyDeleted = true

	tr.InvalidateAfterPromotion()
	require.True(t, tr.CalculateDeleted(docID))
	require.True(t, tr.CalculateDeleted(folderID))
}

func TestChildrenAndDescendants(t *testing.T) {
	owner := newIdentity(t)
	tr, rootID, folderID, docID := buildTree(t, owner)

	children := tr.Children(rootID)
	require.Equal(t, []uuid.UUID{folderID}, children)

	descendants := tr.Descendants(rootID)
	require.ElementsMatch(t, []uuid.UUID{folderID, docID}, descendants)

	ancestors := tr.Ancestors(docID)
	require.Equal(t, []uuid.UUID{folderID, rootID}, ancestors)
}

func TestInPendingShareFalseForOwnRoot(t *testing.T) {
	owner := newIdentity(t)
	tr, _, _, docID := buildTree(t, owner)
	require.False(t, tr.InPendingShare(docID))
}
