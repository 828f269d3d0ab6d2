package filetree

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestFile() *File {
	id := NewID()
	return &File{
		ID:              id,
		Parent:          uuid.New(),
		Type:            Document,
		Owner:           []byte{1, 2, 3},
		EncryptedName:   []byte{4, 5, 6},
		NameHMAC:        []byte{7, 8, 9},
		FolderAccessKey: []byte{10, 11, 12},
		UserAccessKeys: []UserAccessKey{
			{
				EncryptedFor: []byte{1},
				EncryptedBy:  []byte{2},
				AccessKey:    []byte{3},
				Mode:         Write,
			},
		},
		DocumentHMAC:   []byte{13, 14},
		Version:        1,
		LastModifiedBy: []byte{15, 16},
		LastModified:   time.Unix(1000, 0),
		Signature:      []byte{17, 18},
	}
}

func TestIsRoot(t *testing.T) {
	f := newTestFile()
	require.False(t, f.IsRoot())
	f.Parent = f.ID
	require.True(t, f.IsRoot())
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	f := newTestFile()
	clone := f.Clone()
	require.Equal(t, f.ID, clone.ID)
	require.Equal(t, f.SigningPayload(), clone.SigningPayload())

	clone.EncryptedName[0] = 0xff
	clone.UserAccessKeys[0].AccessKey[0] = 0xff
	require.NotEqual(t, f.EncryptedName[0], clone.EncryptedName[0])
	require.NotEqual(t, f.UserAccessKeys[0].AccessKey[0], clone.UserAccessKeys[0].AccessKey[0])
}

func TestCloneNil(t *testing.T) {
	var f *File
	require.Nil(t, f.Clone())
}

func TestSigningPayloadChangesWithMutation(t *testing.T) {
	f := newTestFile()
	base := f.SigningPayload()

	renamed := f.Clone()
	renamed.EncryptedName = []byte{99}
	require.NotEqual(t, base, renamed.SigningPayload())

	moved := f.Clone()
	moved.Parent = uuid.New()
	require.NotEqual(t, base, moved.SigningPayload())

	deleted := f.Clone()
	deleted.ExplicitlyDeleted = true
	require.NotEqual(t, base, deleted.SigningPayload())
}

func TestSigningPayloadExcludesSignatureAndTimestamp(t *testing.T) {
	f := newTestFile()
	base := f.SigningPayload()

	other := f.Clone()
	other.Signature = []byte{0xde, 0xad}
	other.LastModified = time.Unix(99999, 0)
	require.Equal(t, base, other.SigningPayload())
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "Document", Document.String())
	require.Equal(t, "Folder", Folder.String())
	require.Equal(t, "Link", Link.String())
	require.Equal(t, "Unknown", Type(99).String())
}

func TestNewIDUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	require.NotEqual(t, a, b)
}
