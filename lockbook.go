// Package lockbook is the client-side core library (§1, §5): a single
// handle, Lb, wrapping one account's local database, document store, and
// server connection, exposing account lifecycle, the §4.3 file
// operations, and sync.
//
// Lb is constructed once per process in a 9p-filesystem-style handle
// sequence (config -> local store -> document store -> server client),
// but as a reusable, importable type rather than a set of local
// variables inline in main, so a host application (or a test) can
// construct more than one handle per process lifetime.
package lockbook

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"os"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/config"
	"github.com/lockbook/lockbook/internal/cryptography"
	"github.com/lockbook/lockbook/internal/docstore"
	"github.com/lockbook/lockbook/internal/errkind"
	"github.com/lockbook/lockbook/internal/filetree"
	"github.com/lockbook/lockbook/internal/fileservice"
	"github.com/lockbook/lockbook/internal/lazytree"
	"github.com/lockbook/lockbook/internal/localdb"
	"github.com/lockbook/lockbook/internal/metrics"
	"github.com/lockbook/lockbook/internal/serverclient"
	"github.com/lockbook/lockbook/internal/syncservice"
	"github.com/lockbook/lockbook/internal/treelike"
	"github.com/lockbook/lockbook/internal/validate"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Lb is one account's handle onto its local state and, once an account
// exists, the relay server. The zero value is not usable; construct with
// Open.
type Lb struct {
	cfg      config.C
	db       *localdb.DB
	docs     *docstore.Store
	metrics  *metrics.Metrics
	identity *fileservice.Identity // nil until an account exists

	files *fileservice.Service
	sync  *syncservice.Service
}

// Open loads or creates the local database and document store under
// cfg.DataDir. If an account was already created or imported, it wires
// the file and sync services immediately; otherwise those stay nil until
// CreateAccount or ImportAccount succeeds.
func Open(cfg config.C) (*Lb, error) {
	if err := config.EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	ll, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "parse log level %q", cfg.LogLevel)
	}
	log.SetLevel(ll)
	log.SetOutput(os.Stderr)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	db, err := localdb.Open(cfg.DBPath())
	if err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "open local db")
	}
	docs := docstore.New(cfg.DocumentsPath())
	m := metrics.New(prometheus.NewRegistry())

	lb := &Lb{cfg: cfg, db: db, docs: docs, metrics: m}

	account, ok, err := db.GetAccount()
	if err != nil {
		db.Close()
		return nil, errkind.Wrap(errkind.Unexpected, err, "load account")
	}
	if ok {
		identity, err := identityFromAccount(account)
		if err != nil {
			db.Close()
			return nil, err
		}
		lb.wire(identity, account.APIURL)
	}
	return lb, nil
}

func (lb *Lb) Close() error {
	return lb.db.Close()
}

func identityFromAccount(a *localdb.Account) (*fileservice.Identity, error) {
	seed := a.SigningKey
	if len(seed) != ed25519.SeedSize {
		return nil, errkind.New(errkind.AccountStringCorrupted, "signing seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	signing := &cryptography.SigningKeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}

	ecdhPriv, err := ecdh.X25519().NewPrivateKey(a.ECDHKey)
	if err != nil {
		return nil, errkind.Wrap(errkind.AccountStringCorrupted, err, "parse ecdh key")
	}
	ecdhPair := &cryptography.ECDHKeyPair{Private: ecdhPriv, Public: ecdhPriv.PublicKey()}

	return &fileservice.Identity{Signing: signing, ECDH: ecdhPair}, nil
}

func (lb *Lb) wire(identity *fileservice.Identity, apiURL string) {
	lb.identity = identity
	client := serverclient.New(apiURL, serverclient.NewSigner(identity.Signing))
	lb.files = fileservice.New(lb.db, lb.docs, identity)
	lb.sync = syncservice.New(lb.db, client, lb.docs, identity, identity.Signing, lb.metrics)
}

// CreateAccount generates a fresh signing and ECDH key pair, registers
// username with the relay at apiURL, and creates the account's root
// folder (§3.1 "Account", §6.2 "new_account").
func (lb *Lb) CreateAccount(ctx context.Context, username, apiURL string) error {
	if lb.identity != nil {
		return errkind.New(errkind.AccountExists, "")
	}
	if apiURL == "" {
		apiURL = config.DefaultAPIURL
	}
	if !validUsername(username) {
		return errkind.New(errkind.UsernameInvalid, "%q", username)
	}

	signing, err := cryptography.NewSigningKeyPair()
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "new signing key pair")
	}
	ecdhPair, err := cryptography.NewECDHKeyPair()
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "new ecdh key pair")
	}
	identity := &fileservice.Identity{Signing: signing, ECDH: ecdhPair}

	root, err := newRootFile(identity)
	if err != nil {
		return err
	}

	client := serverclient.New(apiURL, serverclient.NewSigner(signing))
	rootBytes, err := encodeRootFile(root)
	if err != nil {
		return err
	}
	if _, err := client.NewAccount(ctx, serverclient.NewAccountRequest{
		Username:        username,
		PublicKey:       []byte(signing.Public),
		RootFileEncoded: rootBytes,
	}); err != nil {
		if apiErr, ok := err.(*serverclient.APIError); ok {
			return errkind.Wrap(classifyNewAccountError(apiErr.Code), apiErr, "%s", apiErr.Message)
		}
		return errkind.Wrap(errkind.ServerUnreachable, err, "new_account")
	}

	if err := lb.persistAccount(username, apiURL, signing, ecdhPair); err != nil {
		return err
	}
	lb.wire(identity, apiURL)

	// The root is already synced as far as the server is concerned, so
	// it goes in both layers: base (last known server state) and local
	// (the working tree CreateFile et al. operate on).
	baseTx, err := lb.db.Begin(localdb.Base)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "begin base tx")
	}
	if err := baseTx.PutFile(root); err != nil {
		baseTx.Rollback()
		return errkind.Wrap(errkind.Unexpected, err, "put root")
	}
	if err := baseTx.Commit(); err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "commit root")
	}

	localTx, err := lb.db.Begin(localdb.Local)
	if err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "begin local tx")
	}
	if err := localTx.PutFile(root); err != nil {
		localTx.Rollback()
		return errkind.Wrap(errkind.Unexpected, err, "put root")
	}
	if err := localTx.Commit(); err != nil {
		return errkind.Wrap(errkind.Unexpected, err, "commit root")
	}

	return lb.db.PutRoot(root.ID)
}

func classifyNewAccountError(code string) errkind.Kind {
	switch code {
	case "username_taken":
		return errkind.UsernameTaken
	case "username_invalid":
		return errkind.UsernameInvalid
	default:
		return errkind.Unexpected
	}
}

// newRootFile builds the self-parented root record for a fresh account:
// its own symmetric key, self-wrapped via a user_access_key so the
// owning account can always recover it without depending on any parent
// (§4.2 "decrypt_key" root case).
func newRootFile(identity *fileservice.Identity) (*filetree.File, error) {
	rootKey, err := cryptography.NewKey()
	if err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "new root key")
	}
	kek, err := cryptography.DeriveKEK(identity.ECDH.Private, identity.ECDH.Public)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "derive self kek")
	}
	wrapped, err := cryptography.Encrypt(kek, rootKey)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "wrap root key")
	}

	id := filetree.NewID()
	f := &filetree.File{
		ID:     id,
		Parent: id,
		Type:   filetree.Folder,
		Owner:  []byte(identity.Signing.Public),
		UserAccessKeys: []filetree.UserAccessKey{{
			EncryptedFor: identity.ECDH.Public.Bytes(),
			EncryptedBy:  identity.ECDH.Public.Bytes(),
			AccessKey:    wrapped,
			Mode:         filetree.Write,
		}},
	}
	f.LastModifiedBy = f.Owner
	f.Signature = identity.Signing.Sign(f.SigningPayload())
	return f, nil
}

func (lb *Lb) persistAccount(username, apiURL string, signing *cryptography.SigningKeyPair, ecdhPair *cryptography.ECDHKeyPair) error {
	return lb.db.PutAccount(&localdb.Account{
		Username:   username,
		APIURL:     apiURL,
		SigningKey: signing.Private.Seed(),
		ECDHKey:    ecdhPair.Private.Bytes(),
	})
}

func validUsername(u string) bool {
	if len(u) == 0 || len(u) > 64 {
		return false
	}
	for _, r := range u {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

// ImportAccount restores an account from a private-key export string
// (the inverse of ExportAccountPrivateKey) on a new device, then performs
// one sync to populate the local tree.
func (lb *Lb) ImportAccount(ctx context.Context, privateKeyString string, maybeAPIURL string) error {
	if lb.identity != nil {
		return errkind.New(errkind.AccountExists, "")
	}
	username, signingSeed, ecdhScalar, err := decodeAccountString(privateKeyString)
	if err != nil {
		return err
	}
	priv := ed25519.NewKeyFromSeed(signingSeed)
	signing := &cryptography.SigningKeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}
	ecdhPriv, err := ecdh.X25519().NewPrivateKey(ecdhScalar)
	if err != nil {
		return errkind.Wrap(errkind.AccountStringCorrupted, err, "parse ecdh key")
	}
	ecdhPair := &cryptography.ECDHKeyPair{Private: ecdhPriv, Public: ecdhPriv.PublicKey()}
	identity := &fileservice.Identity{Signing: signing, ECDH: ecdhPair}

	apiURL := maybeAPIURL
	if apiURL == "" {
		apiURL = config.DefaultAPIURL
	}
	client := serverclient.New(apiURL, serverclient.NewSigner(signing))
	resp, err := client.GetPublicKey(ctx, username)
	if err != nil {
		if apiErr, ok := err.(*serverclient.APIError); ok && apiErr.Code == "account_nonexistent" {
			return errkind.Wrap(errkind.AccountNonexistent, apiErr, "%s", apiErr.Message)
		}
		return errkind.Wrap(errkind.ServerUnreachable, err, "get_public_key")
	}
	if !bytesEqual(resp.PublicKey, []byte(signing.Public)) {
		return errkind.New(errkind.UsernamePublicKeyMismatch, "")
	}

	if err := lb.persistAccount(username, apiURL, signing, ecdhPair); err != nil {
		return err
	}
	lb.wire(identity, apiURL)
	return lb.Sync(ctx, nil)
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

// ExportAccountPrivateKey returns an opaque string encoding the
// account's signing seed and ECDH scalar, importable on another device
// via ImportAccount.
func (lb *Lb) ExportAccountPrivateKey() (string, error) {
	if lb.identity == nil {
		return "", errkind.New(errkind.AccountNonexistent, "")
	}
	a, ok, err := lb.db.GetAccount()
	if err != nil {
		return "", errkind.Wrap(errkind.Unexpected, err, "load account")
	}
	if !ok {
		return "", errkind.New(errkind.AccountNonexistent, "")
	}
	return encodeAccountString(a.Username, lb.identity.Signing.Private.Seed(), lb.identity.ECDH.Private.Bytes())
}

// ExportAccountPhrase renders the same key material as a BIP-39-like
// mnemonic word sequence, for users who prefer to write it down rather
// than store the raw string (§6.2 "export_account_phrase"). Unlike
// ExportAccountPrivateKey's string, the phrase does not carry the
// username — import_account only accepts the key-string form.
func (lb *Lb) ExportAccountPhrase() (string, error) {
	if lb.identity == nil {
		return "", errkind.New(errkind.AccountNonexistent, "")
	}
	combined := append(append([]byte(nil), lb.identity.Signing.Private.Seed()...), lb.identity.ECDH.Private.Bytes()...)
	return cryptography.EncodeMnemonic(combined), nil
}

// SyncProgress reports how far a Sync call has gotten.
type SyncProgress = syncservice.Progress

// Sync runs the full pull-merge-push pipeline (§4.5).
func (lb *Lb) Sync(ctx context.Context, progress syncservice.ProgressFunc) error {
	if lb.sync == nil {
		return errkind.New(errkind.AccountNonexistent, "")
	}
	return lb.sync.Sync(ctx, progress)
}

// CalculateWork previews what a Sync would do without performing any
// network I/O other than the get_updates check: the count of files the
// server has that the client doesn't, and vice versa (§6.2
// "calculate_work").
type WorkPreview struct {
	ServerAhead int
	LocalAhead  int
}

func (lb *Lb) CalculateWork(ctx context.Context) (WorkPreview, error) {
	if lb.sync == nil {
		return WorkPreview{}, errkind.New(errkind.AccountNonexistent, "")
	}
	lastVersion, err := lb.db.LastSyncedVersion()
	if err != nil {
		return WorkPreview{}, errkind.Wrap(errkind.Unexpected, err, "last synced version")
	}
	localFiles, err := lb.db.LoadAll(localdb.Local)
	if err != nil {
		return WorkPreview{}, errkind.Wrap(errkind.Unexpected, err, "load local")
	}
	baseFiles, err := lb.db.LoadAll(localdb.Base)
	if err != nil {
		return WorkPreview{}, errkind.Wrap(errkind.Unexpected, err, "load base")
	}
	base := make(map[uuid.UUID]*filetree.File, len(baseFiles))
	for _, f := range baseFiles {
		base[f.ID] = f
	}
	localAhead := 0
	for _, f := range localFiles {
		if bf, ok := base[f.ID]; !ok || bf.Version != f.Version || !bytesEqual(bf.Signature, f.Signature) {
			localAhead++
		}
	}
	updates, err := lb.fetchUpdates(ctx, lastVersion)
	if err != nil {
		return WorkPreview{}, err
	}
	return WorkPreview{ServerAhead: updates, LocalAhead: localAhead}, nil
}

func (lb *Lb) fetchUpdates(ctx context.Context, sinceVersion uint64) (int, error) {
	client := serverclient.New(lb.accountAPIURL(), serverclient.NewSigner(lb.identity.Signing))
	resp, err := client.GetUpdates(ctx, sinceVersion)
	if err != nil {
		return 0, errkind.Wrap(errkind.ServerUnreachable, err, "get_updates")
	}
	return len(resp.Files), nil
}

func (lb *Lb) accountAPIURL() string {
	a, ok, err := lb.db.GetAccount()
	if err != nil || !ok {
		return config.DefaultAPIURL
	}
	return a.APIURL
}

// GetUsage reports the account's server-side storage usage
// (§6.2 "get_usage").
func (lb *Lb) GetUsage(ctx context.Context) (usedBytes, capBytes uint64, err error) {
	if lb.identity == nil {
		return 0, 0, errkind.New(errkind.AccountNonexistent, "")
	}
	client := serverclient.New(lb.accountAPIURL(), serverclient.NewSigner(lb.identity.Signing))
	resp, err := client.GetUsage(ctx)
	if err != nil {
		return 0, 0, errkind.Wrap(errkind.ServerUnreachable, err, "get_usage")
	}
	return resp.UsedBytes, resp.CapBytes, nil
}

// Warning names one broken §3.2 invariant found by Validate, naming the
// offending file directly rather than burying it in a formatted string,
// so a caller can act on FileID (e.g. offer to delete or re-share it)
// without parsing Detail.
type Warning struct {
	Kind   string
	FileID uuid.UUID
	Detail string
}

// Validate runs the §3.2 tree invariants against the local tree and
// returns any violations as warnings rather than an error, since a
// broken invariant on read-only inspection shouldn't stop the caller
// from doing anything else (§6.2 "validate").
func (lb *Lb) Validate() ([]Warning, error) {
	if lb.identity == nil {
		return nil, errkind.New(errkind.AccountNonexistent, "")
	}
	files, err := lb.db.LoadAll(localdb.Local)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unexpected, err, "load local")
	}
	snap := treelike.NewSnapshot(files)
	lazy := lazytree.Wrap(snap, lb.identity)
	report := validate.Run(lazy, []byte(lb.identity.Signing.Public))
	warnings := make([]Warning, 0, len(report.Failures))
	for _, f := range report.Failures {
		var id uuid.UUID
		if len(f.FileIDs) > 0 {
			id = f.FileIDs[0]
		}
		warnings = append(warnings, Warning{Kind: f.Invariant.String(), FileID: id, Detail: f.Detail})
	}
	return warnings, nil
}

// ResolveConflict records how id's document-content conflict should be
// settled on every future sync until cleared: keepLocal=true keeps this
// device's pending edit and discards the peer's, false does the
// opposite. Mirrors the teacher's per-path Ignore marking (§4.5), so a
// conflict a user has already looked at doesn't force the same decision
// on them again next sync.
func (lb *Lb) ResolveConflict(id uuid.UUID, keepLocal bool) error {
	if lb.identity == nil {
		return errkind.New(errkind.AccountNonexistent, "")
	}
	return lb.db.PutIgnoreResolution(id, keepLocal)
}

// Files returns the file-service handle for the §4.3 CRUD+share
// operations (CreateFile, WriteDocument, ReadDocument, RenameFile,
// MoveFile, DeleteFile, ShareFile, GetByPath, ListPaths).
func (lb *Lb) Files() *fileservice.Service {
	return lb.files
}

// Root returns the account's root folder id.
func (lb *Lb) Root() (uuid.UUID, error) {
	id, ok, err := lb.db.GetRoot()
	if err != nil {
		return uuid.Nil, errkind.Wrap(errkind.Unexpected, err, "get root")
	}
	if !ok {
		return uuid.Nil, errkind.New(errkind.AccountNonexistent, "")
	}
	return id, nil
}
