// Package docstore is the content-addressed document blob store:
// documents are zstd-compressed, AEAD-encrypted under the file's
// symmetric key, and stored on disk keyed by (file id, document hmac).
//
// Every write goes to a temp file first and is renamed into place, so a
// crash mid-write never leaves a partially-written blob visible under
// its final name. Compression uses klauspost/compress/zstd at a fixed
// level.
package docstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/lockbook/lockbook/internal/cryptography"
)

var (
	ErrMissing     = fmt.Errorf("docstore: blob missing")
	ErrCorruptBlob = fmt.Errorf("docstore: corrupt blob")
)

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/lockbook/lockbook/internal/docstore."+method+": "+format, a...)
}

// compressionLevel is fixed, per spec §4.4 ("zstd-like level-fixed
// compression"): a single level avoids the tree's equality checks having
// to account for the encoder configuration.
var compressionLevel = zstd.SpeedDefault

// Store is a content-addressed blob store rooted at a directory, laid
// out as blobs/<id>/<hmac> (§6 "Persistent state layout").
type Store struct {
	root string
}

// New returns a Store rooted at root (the "blobs" directory under the
// writable state root).
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) dir(id uuid.UUID) string {
	return filepath.Join(s.root, id.String())
}

func (s *Store) path(id uuid.UUID, hmac []byte) string {
	return filepath.Join(s.dir(id), fmt.Sprintf("%x", hmac))
}

// Write compresses and encrypts plaintext under key, computes its hmac,
// stores the resulting blob at (id, hmac), and returns the hmac.
// Writes are atomic: a temp file is written then renamed into place.
func (s *Store) Write(id uuid.UUID, key, plaintext []byte) (hmac []byte, err error) {
	const method = "Store.Write"
	compressed, err := compress(plaintext)
	if err != nil {
		return nil, errorf(method, "compress: %v", err)
	}
	blob, err := cryptography.Encrypt(key, compressed)
	if err != nil {
		return nil, errorf(method, "encrypt: %v", err)
	}
	hmac = cryptography.DocumentHMAC(key, plaintext)

	dir := s.dir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errorf(method, "mkdir %q: %v", dir, err)
	}
	target := s.path(id, hmac)
	tmp := target + ".new"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return nil, errorf(method, "write %q: %v", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return nil, errorf(method, "rename %q -> %q: %v", tmp, target, err)
	}
	return hmac, nil
}

// Read fetches and decrypts+decompresses the blob at (id, hmac). Returns
// ErrMissing if no such blob exists.
func (s *Store) Read(id uuid.UUID, key, hmac []byte) ([]byte, error) {
	const method = "Store.Read"
	if hmac == nil {
		return nil, nil // a null hmac means an empty document.
	}
	blob, err := os.ReadFile(s.path(id, hmac))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s(%s, %x): %w", method, id, hmac, ErrMissing)
	}
	if err != nil {
		return nil, errorf(method, "read: %v", err)
	}
	compressed, err := cryptography.Decrypt(key, blob)
	if err != nil {
		return nil, err
	}
	plaintext, err := decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errorf(method, "decompress: %v", err), ErrCorruptBlob)
	}
	return plaintext, nil
}

// Exists reports whether the blob at (id, hmac) is already present
// locally, so a caller can skip re-fetching content it already has. A
// nil hmac (an empty document) always counts as present.
func (s *Store) Exists(id uuid.UUID, hmac []byte) bool {
	if hmac == nil {
		return true
	}
	_, err := os.Stat(s.path(id, hmac))
	return err == nil
}

// ReadBlob returns the raw compressed+encrypted bytes stored at (id,
// hmac), without decrypting them — the shape the server's change_doc and
// get_document requests carry (§6.2), as opposed to Read's decrypted
// plaintext.
func (s *Store) ReadBlob(id uuid.UUID, hmac []byte) ([]byte, error) {
	const method = "Store.ReadBlob"
	if hmac == nil {
		return nil, nil
	}
	blob, err := os.ReadFile(s.path(id, hmac))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s(%s, %x): %w", method, id, hmac, ErrMissing)
	}
	if err != nil {
		return nil, errorf(method, "read: %v", err)
	}
	return blob, nil
}

// WriteBlob stores blob verbatim at (id, hmac), for content already
// compressed and encrypted by its origin (a peer's change_doc push
// pulled via get_document) rather than plaintext this store needs to
// produce itself. Atomic, like Write: a temp file is written then
// renamed into place.
func (s *Store) WriteBlob(id uuid.UUID, hmac, blob []byte) error {
	const method = "Store.WriteBlob"
	dir := s.dir(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errorf(method, "mkdir %q: %v", dir, err)
	}
	target := s.path(id, hmac)
	tmp := target + ".new"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return errorf(method, "write %q: %v", tmp, err)
	}
	return os.Rename(tmp, target)
}

// Remove deletes the blob at (id, hmac), if present. Used by the
// duplicate-collapse policy (§4.4).
func (s *Store) Remove(id uuid.UUID, hmac []byte) error {
	if hmac == nil {
		return nil
	}
	err := os.Remove(s.path(id, hmac))
	if err != nil && !os.IsNotExist(err) {
		return errorf("Store.Remove", "%v", err)
	}
	return nil
}

// CollapseDuplicate removes the local blob for id if localHMAC equals
// baseHMAC, since at that point they address the same content and the
// local copy is redundant (§4.4 "Duplicate collapse").
func (s *Store) CollapseDuplicate(id uuid.UUID, localHMAC, baseHMAC []byte) error {
	if localHMAC == nil || baseHMAC == nil {
		return nil
	}
	if string(localHMAC) != string(baseHMAC) {
		return nil
	}
	return s.Remove(id, localHMAC)
}

func compress(plaintext []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(compressionLevel))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(plaintext, nil), nil
}

func decompress(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, nil)
}
