// Package localdb is the client's persistent local state (§4.4, §6
// "Persistent state layout"): the account record, the root file id, the
// base and local tree snapshots, the base and local document hmac
// digests, the last-synced server version, and a public-key lookup
// cache for sharing.
//
// Records live in named bbolt buckets rather than one hex-encoded
// pointer file per key, since the client has to persist a whole tree of
// records rather than a single root pointer, and needs the atomic
// multi-key commits bbolt's transactions give for free.
package localdb

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/internal/filetree"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccount      = []byte("account")
	bucketRoot         = []byte("root")
	bucketBaseMeta     = []byte("base_metadata")
	bucketLocalMeta    = []byte("local_metadata")
	bucketBaseDigest   = []byte("base_digest")
	bucketLocalDigest  = []byte("local_digest")
	bucketLastSynced   = []byte("last_synced")
	bucketPubKeyLookup = []byte("pub_key_lookup")
	bucketIgnore       = []byte("conflict_ignore")

	keyAccount     = []byte("account")
	keyRoot        = []byte("root")
	keyLastSynced  = []byte("last_synced")

	allBuckets = [][]byte{
		bucketAccount, bucketRoot, bucketBaseMeta, bucketLocalMeta,
		bucketBaseDigest, bucketLocalDigest, bucketLastSynced, bucketPubKeyLookup,
		bucketIgnore,
	}
)

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/lockbook/lockbook/internal/localdb."+method+": "+format, a...)
}

// DB is the local bbolt-backed store. A DB is safe for concurrent use
// (bbolt serializes writers internally), though lockbook.Lb only ever
// drives it from a single writer anyway.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures
// every bucket this package uses exists.
func Open(path string) (*DB, error) {
	const method = "Open"
	b, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errorf(method, "%v", err)
	}
	err = b.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Close()
		return nil, errorf(method, "create buckets: %v", err)
	}
	return &DB{bolt: b}, nil
}

func (db *DB) Close() error {
	return db.bolt.Close()
}

// Account is the locally stored identity: the signing and ECDH key
// material, and the chosen server address (§6 "Account record").
type Account struct {
	Username  string
	APIURL    string
	SigningKey []byte // ed25519 seed
	ECDHKey    []byte // raw x25519 scalar
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// PutAccount stores the account record. There is exactly one account
// per local database (§3.2 "one account per client install").
func (db *DB) PutAccount(a *Account) error {
	data, err := encodeGob(a)
	if err != nil {
		return errorf("PutAccount", "encode: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccount).Put(keyAccount, data)
	})
}

// GetAccount returns the stored account, or ok=false if none has been
// created or imported yet.
func (db *DB) GetAccount() (a *Account, ok bool, err error) {
	err = db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccount).Get(keyAccount)
		if data == nil {
			return nil
		}
		a = &Account{}
		ok = true
		return decodeGob(data, a)
	})
	if err != nil {
		return nil, false, errorf("GetAccount", "%v", err)
	}
	return a, ok, nil
}

// PutRoot stores the id of the user's root file.
func (db *DB) PutRoot(id uuid.UUID) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRoot).Put(keyRoot, id[:])
	})
}

// GetRoot returns the stored root file id, or ok=false if none.
func (db *DB) GetRoot() (id uuid.UUID, ok bool, err error) {
	err = db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRoot).Get(keyRoot)
		if data == nil {
			return nil
		}
		parsed, perr := uuid.FromBytes(data)
		if perr != nil {
			return perr
		}
		id = parsed
		ok = true
		return nil
	})
	if err != nil {
		return uuid.Nil, false, errorf("GetRoot", "%v", err)
	}
	return id, ok, nil
}

// LastSyncedVersion returns the server version the local base tree was
// last synced to (0 if never synced).
func (db *DB) LastSyncedVersion() (version uint64, err error) {
	err = db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLastSynced).Get(keyLastSynced)
		if data == nil {
			return nil
		}
		return decodeGob(data, &version)
	})
	if err != nil {
		return 0, errorf("LastSyncedVersion", "%v", err)
	}
	return version, nil
}

// SetLastSyncedVersion records the server version the local base tree
// now reflects (§4.5 step 6, "commit").
func (db *DB) SetLastSyncedVersion(version uint64) error {
	data, err := encodeGob(version)
	if err != nil {
		return errorf("SetLastSyncedVersion", "encode: %v", err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLastSynced).Put(keyLastSynced, data)
	})
}

// PubKeyLookup caches a username -> public key resolution, so sharing a
// file does not require a server round trip every time the same
// collaborator is addressed again.
func (db *DB) PutPubKeyLookup(username string, publicKey []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPubKeyLookup).Put([]byte(username), publicKey)
	})
}

func (db *DB) GetPubKeyLookup(username string) (publicKey []byte, ok bool, err error) {
	err = db.bolt.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPubKeyLookup).Get([]byte(username))
		if data == nil {
			return nil
		}
		publicKey = append([]byte(nil), data...)
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, errorf("GetPubKeyLookup", "%v", err)
	}
	return publicKey, ok, nil
}

// PutIgnoreResolution records that id's next document-content conflict
// should be resolved without re-running diff3/sidecar logic: keepLocal
// picks the local side, false picks the remote side. The resolution
// sticks until cleared, so a conflict the user has already settled does
// not re-surface identical resolution work on every subsequent sync.
func (db *DB) PutIgnoreResolution(id uuid.UUID, keepLocal bool) error {
	var v byte
	if keepLocal {
		v = 1
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIgnore).Put(id[:], []byte{v})
	})
}

// GetIgnoreResolution returns the resolution recorded for id, if any.
func (db *DB) GetIgnoreResolution(id uuid.UUID) (keepLocal bool, ok bool, err error) {
	err = db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIgnore).Get(id[:])
		if v == nil {
			return nil
		}
		ok = true
		keepLocal = len(v) > 0 && v[0] == 1
		return nil
	})
	if err != nil {
		return false, false, errorf("GetIgnoreResolution", "%v", err)
	}
	return keepLocal, ok, nil
}

// ClearIgnoreResolution removes any recorded resolution for id.
func (db *DB) ClearIgnoreResolution(id uuid.UUID) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIgnore).Delete(id[:])
	})
}

// layer identifies which of the two tree snapshots (base, as last
// fetched/confirmed by the server, or local, carrying unsynced edits) a
// metadata/digest operation targets.
type layer int

const (
	Base layer = iota
	Local
)

func (db *DB) metaBucket(l layer) []byte {
	if l == Base {
		return bucketBaseMeta
	}
	return bucketLocalMeta
}

func (db *DB) digestBucket(l layer) []byte {
	if l == Base {
		return bucketBaseDigest
	}
	return bucketLocalDigest
}

// Tx is a batch of reads and writes against one layer's metadata and
// document-digest buckets, committed atomically as a single bbolt
// transaction so a whole tree's worth of file records commits together.
type Tx struct {
	db    *DB
	layer layer
	tx    *bolt.Tx
}

// Begin starts a read-write transaction against l's buckets.
func (db *DB) Begin(l layer) (*Tx, error) {
	tx, err := db.bolt.Begin(true)
	if err != nil {
		return nil, errorf("Begin", "%v", err)
	}
	return &Tx{db: db, layer: l, tx: tx}, nil
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// PutFile upserts f's metadata record.
func (t *Tx) PutFile(f *filetree.File) error {
	data, err := encodeGob(f)
	if err != nil {
		return errorf("Tx.PutFile", "encode: %v", err)
	}
	return t.tx.Bucket(t.db.metaBucket(t.layer)).Put(f.ID[:], data)
}

// RemoveFile physically deletes id's metadata record from this layer
// (used by prune_deleted, §4.5 step 6 — never used to represent a
// tombstone, which is an ExplicitlyDeleted=true record written via
// PutFile).
func (t *Tx) RemoveFile(id uuid.UUID) error {
	return t.tx.Bucket(t.db.metaBucket(t.layer)).Delete(id[:])
}

// PutDigest records the document hmac currently believed to be stored
// for id on this layer (nil clears it, meaning "no document content").
func (t *Tx) PutDigest(id uuid.UUID, hmac []byte) error {
	b := t.tx.Bucket(t.db.digestBucket(t.layer))
	if hmac == nil {
		return b.Delete(id[:])
	}
	return b.Put(id[:], hmac)
}

func (t *Tx) RemoveDigest(id uuid.UUID) error {
	return t.tx.Bucket(t.db.digestBucket(t.layer)).Delete(id[:])
}

// LoadAll reads every file record from l's metadata bucket. Used to
// construct an in-memory treelike.Snapshot at startup and before each
// sync pass.
func (db *DB) LoadAll(l layer) ([]*filetree.File, error) {
	const method = "LoadAll"
	var out []*filetree.File
	err := db.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.metaBucket(l)).ForEach(func(k, v []byte) error {
			f := &filetree.File{}
			if err := decodeGob(v, f); err != nil {
				return err
			}
			out = append(out, f)
			return nil
		})
	})
	if err != nil {
		return nil, errorf(method, "%v", err)
	}
	return out, nil
}

// Digest returns the recorded document hmac for id on layer l, or nil
// if none is recorded.
func (db *DB) Digest(l layer, id uuid.UUID) ([]byte, error) {
	var out []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.digestBucket(l)).Get(id[:])
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errorf("Digest", "%v", err)
	}
	return out, nil
}
