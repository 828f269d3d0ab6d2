// Package filetree defines the File metadata record and the handful of
// pure, tree-shape-independent helpers that operate on a single record:
// cloning, signing, and the type/shape predicates validation and the
// file service build on.
//
// Every file carries its own wrapped symmetric key rather than relying
// on one global encryption key for the whole tree, and, at share
// boundaries, a set of per-recipient wrapped keys, since this is a
// multi-owner tree.
package filetree

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies what kind of node a File is.
type Type int

const (
	Document Type = iota
	Folder
	Link
)

func (t Type) String() string {
	switch t {
	case Document:
		return "Document"
	case Folder:
		return "Folder"
	case Link:
		return "Link"
	default:
		return "Unknown"
	}
}

// AccessMode is the permission granted by a UserAccessKey.
type AccessMode int

const (
	Read AccessMode = iota
	Write
)

// UserAccessKey grants a recipient access to a file's symmetric key,
// itself wrapped under a KEK derived from an ECDH shared secret between
// sharer and recipient. Only roots and share roots carry these.
type UserAccessKey struct {
	EncryptedFor []byte // recipient's ECDH public key
	EncryptedBy  []byte // sharer's ECDH public key
	AccessKey    []byte // file key, AEAD-sealed under the derived KEK
	Mode         AccessMode
	Deleted      bool
}

// File is the fundamental node of the encrypted tree (§3.1).
type File struct {
	ID     uuid.UUID
	Parent uuid.UUID
	Type   Type

	// LinkTarget is set only when Type == Link: the id of the file this
	// link resolves to.
	LinkTarget uuid.UUID

	Owner []byte // owner's Ed25519 public key

	EncryptedName []byte // AEAD ciphertext, sealed under the parent's key
	NameHMAC      []byte // HMAC of the plaintext name, keyed by the parent's key

	FolderAccessKey []byte // this file's symmetric key, sealed under the parent's key

	UserAccessKeys []UserAccessKey

	ExplicitlyDeleted bool

	// DocumentHMAC is nil for folders and links, and for documents with
	// no content yet (an empty document).
	DocumentHMAC []byte

	Version uint64

	LastModifiedBy []byte // signer's Ed25519 public key
	LastModified   time.Time
	Signature      []byte
}

// IsRoot reports whether f is the self-parented root of its owner's tree.
func (f *File) IsRoot() bool {
	return f.Parent == f.ID
}

// Clone returns a deep copy of f, so that a caller staging a mutation
// never aliases a record another layer still considers authoritative.
func (f *File) Clone() *File {
	if f == nil {
		return nil
	}
	out := *f
	out.Owner = append([]byte(nil), f.Owner...)
	out.EncryptedName = append([]byte(nil), f.EncryptedName...)
	out.NameHMAC = append([]byte(nil), f.NameHMAC...)
	out.FolderAccessKey = append([]byte(nil), f.FolderAccessKey...)
	out.DocumentHMAC = append([]byte(nil), f.DocumentHMAC...)
	out.LastModifiedBy = append([]byte(nil), f.LastModifiedBy...)
	out.Signature = append([]byte(nil), f.Signature...)
	if f.UserAccessKeys != nil {
		out.UserAccessKeys = make([]UserAccessKey, len(f.UserAccessKeys))
		for i, k := range f.UserAccessKeys {
			k2 := k
			k2.EncryptedFor = append([]byte(nil), k.EncryptedFor...)
			k2.EncryptedBy = append([]byte(nil), k.EncryptedBy...)
			k2.AccessKey = append([]byte(nil), k.AccessKey...)
			out.UserAccessKeys[i] = k2
		}
	}
	return &out
}

// SigningPayload returns the canonical bytes signed by the last modifier,
// covering every field that affects tree shape, name, keys, or content
// address. Signature itself and LastModified's monotonic-irrelevant wall
// clock reading are excluded (the latter is informational only).
func (f *File) SigningPayload() []byte {
	var buf []byte
	buf = append(buf, f.ID[:]...)
	buf = append(buf, f.Parent[:]...)
	buf = append(buf, byte(f.Type))
	buf = append(buf, f.LinkTarget[:]...)
	buf = append(buf, f.Owner...)
	buf = append(buf, f.EncryptedName...)
	buf = append(buf, f.NameHMAC...)
	buf = append(buf, f.FolderAccessKey...)
	for _, k := range f.UserAccessKeys {
		buf = append(buf, k.EncryptedFor...)
		buf = append(buf, k.EncryptedBy...)
		buf = append(buf, k.AccessKey...)
		buf = append(buf, byte(k.Mode))
		if k.Deleted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	if f.ExplicitlyDeleted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, f.DocumentHMAC...)
	return buf
}

// NewID generates a fresh, opaque 128-bit file identifier.
func NewID() uuid.UUID {
	return uuid.New()
}
