// Package syncservice implements the pull-merge-push pipeline (§4.5):
// fetch the server's updates since the last synced version, fetch the
// document content those updates reference, build base/local/remote
// snapshots, merge field-by-field (falling back to a line-wise diff3
// merge or a rename-to-sidecar for document content), validate the
// result, push it, and on a get_updates_required rejection restart the
// whole pipeline from the top.
//
// The merge walks local/base/remote trees in lockstep comparing node
// pointers to decide "keep local", "take remote", or "recurse/conflict",
// but it is fully automatic field-by-field merge rather than an
// interactive ctl-driven one: sync has to complete without a human in
// the loop.
package syncservice

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lockbook/lockbook/internal/cryptography"
	"github.com/lockbook/lockbook/internal/diff3"
	"github.com/lockbook/lockbook/internal/docstore"
	"github.com/lockbook/lockbook/internal/errkind"
	"github.com/lockbook/lockbook/internal/filetree"
	"github.com/lockbook/lockbook/internal/lazytree"
	"github.com/lockbook/lockbook/internal/localdb"
	"github.com/lockbook/lockbook/internal/metrics"
	"github.com/lockbook/lockbook/internal/serverclient"
	"github.com/lockbook/lockbook/internal/treelike"
	"github.com/lockbook/lockbook/internal/validate"
	log "github.com/sirupsen/logrus"
)

// encodeFileMetadata/decodeFileMetadata wrap a filetree.File as an
// opaque server-protocol payload (gob, the same encoding localdb uses
// for on-disk storage): the server only ever needs to store and return
// these bytes, never interpret them.
func encodeFileMetadata(f *filetree.File) (serverclient.FileMetadata, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return serverclient.FileMetadata{}, err
	}
	return serverclient.FileMetadata{Encoded: buf.Bytes(), Version: f.Version}, nil
}

func decodeFileMetadata(m serverclient.FileMetadata, dst *filetree.File) error {
	return gob.NewDecoder(bytes.NewReader(m.Encoded)).Decode(dst)
}

// mergeableExtensions names the document name suffixes diff3 is applied
// to; everything else is treated as unmergeable and resolved by keeping
// the remote content under the file's id and moving the local content
// to a sidecar file (§4.5 "document_hmac").
var mergeableExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

// Progress reports sync pipeline progress to the caller (§6 "sync
// progress callback").
type Progress struct {
	Total           int
	Completed       int
	CurrentFileName string
}

type ProgressFunc func(Progress)

type Service struct {
	db       *localdb.DB
	client   *serverclient.Client
	docs     *docstore.Store
	identity lazytree.Account
	signer   *cryptography.SigningKeyPair
	metrics  *metrics.Metrics
}

func New(db *localdb.DB, client *serverclient.Client, docs *docstore.Store, identity lazytree.Account, signer *cryptography.SigningKeyPair, m *metrics.Metrics) *Service {
	return &Service{db: db, client: client, docs: docs, identity: identity, signer: signer, metrics: m}
}

// sign stamps f as modified by this account, per the same convention
// fileservice uses for user-initiated mutations (§3.1 "last_modified_by",
// "signature") — sync applies it to the merge's own synthesized records
// (a diff3-merged document, a rename-to-sidecar copy), since those
// records didn't come pre-signed from either side.
func (s *Service) sign(f *filetree.File) {
	f.LastModifiedBy = s.identity.PublicKey()
	f.LastModified = time.Now()
	f.Version++
	f.Signature = s.signer.Sign(f.SigningPayload())
}

func errorf(method, format string, a ...interface{}) error {
	return fmt.Errorf("github.com/lockbook/lockbook/internal/syncservice."+method+": "+format, a...)
}

// ensureDocContent guarantees the blob at (id, hmac) exists in the local
// document store, fetching it from the relay via get_document (§6.2) if
// this client has never seen it before. A nil hmac (an empty document)
// or a blob already on disk is a no-op.
func (s *Service) ensureDocContent(ctx context.Context, id uuid.UUID, hmac []byte) error {
	if hmac == nil || s.docs.Exists(id, hmac) {
		return nil
	}
	resp, err := s.client.GetDocument(ctx, serverclient.GetDocumentRequest{
		FileID: [16]byte(id),
		HMAC:   hmac,
	})
	if err != nil {
		return classifyTransportError(err)
	}
	return s.docs.WriteBlob(id, hmac, resp.Content)
}

// Sync runs one full pipeline pass, restarting from the top whenever
// the server reports the client's view is stale (§4.5 step 5,
// GetUpdatesRequired). Cancelling ctx before the pipeline reaches commit
// leaves no durable effect (§5 "cancellation").
func (s *Service) Sync(ctx context.Context, progress ProgressFunc) (err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			if ctx.Err() != nil {
				outcome = "cancelled"
			} else {
				outcome = "error"
			}
		}
		s.metrics.RecordSync(outcome, time.Since(start).Seconds())
	}()

	for attempt := 0; ; attempt++ {
		restart, err := s.pass(ctx, progress)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		s.metrics.RecordPushRestart()
		log.WithField("attempt", attempt).Info("syncservice: restarting pipeline after get_updates_required")
	}
}

// pass runs one attempt of the pipeline. It returns restart=true if the
// server rejected the push because the client's view was stale.
func (s *Service) pass(ctx context.Context, progress ProgressFunc) (restart bool, err error) {
	lastVersion, err := s.db.LastSyncedVersion()
	if err != nil {
		return false, err
	}

	updates, err := s.client.GetUpdates(ctx, lastVersion)
	if err != nil {
		return false, classifyTransportError(err)
	}

	baseFiles, err := s.db.LoadAll(localdb.Base)
	if err != nil {
		return false, errorf("pass", "load base: %v", err)
	}
	localFiles, err := s.db.LoadAll(localdb.Local)
	if err != nil {
		return false, errorf("pass", "load local: %v", err)
	}

	baseSnap := treelike.NewSnapshot(baseFiles)
	localBase := treelike.Stage(baseSnap)
	for _, f := range localFiles {
		localBase.Update(f)
	}

	remoteSnap := baseSnap.Clone()
	for _, um := range updates.Files {
		f := &filetree.File{}
		if err := decodeFileMetadata(um, f); err != nil {
			return false, errorf("pass", "decode remote file: %v", err)
		}
		remoteSnap.Put(f)
	}

	merged, conflictedDocs, err := s.mergeTrees(baseSnap, localBase, remoteSnap)
	if err != nil {
		return false, err
	}

	mergedLazy := lazytree.Wrap(merged, s.identity)
	report := validate.Run(mergedLazy, s.identity.PublicKey())
	if !report.OK() {
		return false, errkind.New(errkind.ValidationFailure, "merged tree failed validation: %+v", report.Failures)
	}

	total := len(merged.Ids())
	completed := 0
	reportProgress := func(name string) {
		completed++
		if progress != nil {
			progress(Progress{Total: total, Completed: completed, CurrentFileName: name})
		}
	}

	// Reconcile every document whose content changed differently on
	// both sides: either a diff3 line merge (mergeable extensions) or a
	// rename-to-sidecar split (everything else).
	for id, conflict := range conflictedDocs {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if _, ok := merged.MaybeFindFile(id); !ok {
			continue
		}
		name, _ := mergedLazy.Name(id)
		reportProgress(name)

		// A caller may have already told us how to settle this id (via
		// Lb.ResolveConflict), so a conflict already surfaced once
		// doesn't re-run diff3/sidecar logic on every later sync.
		if keepLocal, ignored, err := s.db.GetIgnoreResolution(id); err != nil {
			return false, err
		} else if ignored {
			mf, _ := merged.MaybeFindFile(id)
			resolved := mf.Clone()
			if keepLocal {
				resolved.DocumentHMAC = conflict.local
			} else {
				if err := s.ensureDocContent(ctx, id, conflict.remote); err != nil {
					return false, err
				}
				resolved.DocumentHMAC = conflict.remote
			}
			s.sign(resolved)
			merged.Put(resolved)
			continue
		}

		// The remote side of the conflict may never have reached this
		// client's document store (it could be the very first sync
		// pulling another device's concurrent edit), so fetch it before
		// reading it.
		if err := s.ensureDocContent(ctx, id, conflict.remote); err != nil {
			return false, err
		}

		resolved, sidecar, err := s.ResolveDocumentConflict(mergedLazy, id, conflict.base, conflict.local, conflict.remote)
		if err != nil {
			return false, err
		}
		s.sign(resolved)
		merged.Put(resolved)
		if sidecar != nil {
			s.sign(sidecar)
			merged.Put(sidecar)
		}
	}

	// A non-conflicting update can still carry content this client has
	// never seen (a remote-only edit pulled straight into merged by
	// mergeOne) — pull it now so later reads of it don't fail with
	// docstore.ErrMissing (§8 #1, the very first multi-device read).
	for _, id := range merged.Ids() {
		mf, _ := merged.MaybeFindFile(id)
		if mf.Type != filetree.Document {
			continue
		}
		if err := s.ensureDocContent(ctx, id, mf.DocumentHMAC); err != nil {
			return false, err
		}
	}

	// Push every merged record that differs from base: the client's own
	// edits, plus any sidecar files the conflict resolution above
	// synthesized. Records that only reflect a remote-side change need
	// no push — the server already has them.
	var push []*filetree.File
	for _, id := range merged.Ids() {
		mf, _ := merged.MaybeFindFile(id)
		bf, hasBase := baseSnap.MaybeFindFile(id)
		if !hasBase || !sameFile(mf, bf) {
			_, locallyTouched := localBase.Overrides()[id]
			_, fromRemote := remoteSnap.MaybeFindFile(id)
			if locallyTouched || (!hasBase && !fromRemote) {
				push = append(push, mf)
			}
		}
	}

	if len(push) > 0 {
		// Push document content before the metadata that references it,
		// so a peer pulling these updates never observes a document_hmac
		// with no backing blob on the relay (§6.2 "change_doc").
		for _, f := range push {
			if f.Type != filetree.Document {
				continue
			}
			var oldHMAC []byte
			if bf, ok := baseSnap.MaybeFindFile(f.ID); ok {
				oldHMAC = bf.DocumentHMAC
			}
			if f.DocumentHMAC == nil || bytesEq(oldHMAC, f.DocumentHMAC) {
				continue
			}
			blob, err := s.docs.ReadBlob(f.ID, f.DocumentHMAC)
			if err != nil {
				return false, errorf("pass", "read pushed doc %s: %v", f.ID, err)
			}
			if _, err := s.client.ChangeDoc(ctx, serverclient.ChangeDocRequest{
				FileID:  [16]byte(f.ID),
				OldHMAC: oldHMAC,
				NewHMAC: f.DocumentHMAC,
				Content: blob,
			}); err != nil {
				if apiErr, ok := asAPIError(err); ok && apiErr.Code == serverclient.GetUpdatesRequiredCode {
					return true, nil
				}
				return false, classifyTransportError(err)
			}
		}

		encoded := make([]serverclient.FileMetadata, 0, len(push))
		for _, f := range push {
			data, err := encodeFileMetadata(f)
			if err != nil {
				return false, errorf("pass", "encode push file %s: %v", f.ID, err)
			}
			encoded = append(encoded, data)
		}
		resp, err := s.client.UpsertFiles(ctx, encoded)
		if err != nil {
			if apiErr, ok := asAPIError(err); ok && apiErr.Code == serverclient.GetUpdatesRequiredCode {
				return true, nil
			}
			return false, classifyTransportError(err)
		}
		if err := s.commit(merged, push, resp.NewVersion); err != nil {
			return false, err
		}
	} else if updates.CurrentVersion != lastVersion {
		if err := s.commit(merged, nil, updates.CurrentVersion); err != nil {
			return false, err
		}
	}

	return false, nil
}

// docConflict carries the three document hmacs a caller needs to
// reconcile a document whose content changed differently on both sides
// of a merge: the common ancestor's, and each side's.
type docConflict struct {
	base, local, remote []byte
}

// mergeTrees applies the §4.5 field-by-field merge rules to every id
// present in base, local, or remote. It returns the merged tree plus
// the set of document ids whose content needs reconciling (the diff3 or
// rename-to-sidecar path).
func (s *Service) mergeTrees(base *treelike.Snapshot, local treelike.TreeLike, remote *treelike.Snapshot) (*treelike.Snapshot, map[uuid.UUID]docConflict, error) {
	ids := make(map[uuid.UUID]struct{})
	for _, id := range base.Ids() {
		ids[id] = struct{}{}
	}
	for _, id := range local.Ids() {
		ids[id] = struct{}{}
	}
	for _, id := range remote.Ids() {
		ids[id] = struct{}{}
	}

	out := treelike.EmptySnapshot()
	conflicted := make(map[uuid.UUID]docConflict)

	for id := range ids {
		baseFile, _ := base.MaybeFindFile(id)
		localFile, _ := local.MaybeFindFile(id)
		remoteFile, _ := remote.MaybeFindFile(id)

		merged, conflict, err := mergeOne(baseFile, localFile, remoteFile)
		if err != nil {
			return nil, nil, err
		}
		if merged == nil {
			continue
		}
		out.Put(merged)
		if conflict != nil {
			conflicted[id] = *conflict
			s.metrics.RecordMergeConflict()
		}
	}
	return out, conflicted, nil
}

// mergeOne merges a single file's three versions. A nil conflict return
// means no document-content conflict; a non-nil one flags that the
// caller still has reconciliation work to do for that id (diff3 or
// sidecar), which the higher-level pass applies directly to the content
// store rather than here (mergeOne only decides metadata, leaving
// DocumentHMAC at its local value as a placeholder in the conflict
// case).
func mergeOne(base, local, remote *filetree.File) (*filetree.File, *docConflict, error) {
	switch {
	case local == nil && remote == nil:
		return base, nil, nil
	case local == nil:
		return remote, nil, nil
	case remote == nil:
		return local, nil, nil
	}

	if sameFile(local, remote) {
		return local, nil, nil
	}
	if base != nil && sameFile(remote, base) {
		return local, nil, nil
	}
	if base != nil && sameFile(local, base) {
		return remote, nil, nil
	}

	merged := local.Clone()

	// When both sides moved/renamed the same file differently from base,
	// remote wins: remote is whichever edit already reached the server,
	// so the client merging second discards its own pending change in
	// favor of it (§8 "concurrent divergent rename/move").
	remoteChangedParent := base == nil || !uuidEqual(remote.Parent, base.Parent)
	if remoteChangedParent {
		merged.Parent = remote.Parent
	} else {
		merged.Parent = local.Parent
	}

	remoteChangedName := base == nil || !bytesEq(remote.NameHMAC, base.NameHMAC)
	if remoteChangedName {
		merged.EncryptedName = remote.EncryptedName
		merged.NameHMAC = remote.NameHMAC
	} else {
		merged.EncryptedName = local.EncryptedName
		merged.NameHMAC = local.NameHMAC
	}

	merged.ExplicitlyDeleted = local.ExplicitlyDeleted || remote.ExplicitlyDeleted

	var conflict *docConflict
	var baseHMAC []byte
	if base != nil {
		baseHMAC = base.DocumentHMAC
	}
	localChangedDoc := base == nil || !bytesEq(local.DocumentHMAC, baseHMAC)
	remoteChangedDoc := base == nil || !bytesEq(remote.DocumentHMAC, baseHMAC)
	switch {
	case localChangedDoc && remoteChangedDoc && !bytesEq(local.DocumentHMAC, remote.DocumentHMAC):
		merged.DocumentHMAC = local.DocumentHMAC // placeholder until pass() resolves content.
		conflict = &docConflict{base: baseHMAC, local: local.DocumentHMAC, remote: remote.DocumentHMAC}
	case remoteChangedDoc:
		merged.DocumentHMAC = remote.DocumentHMAC
	default:
		merged.DocumentHMAC = local.DocumentHMAC
	}

	if merged.Version < remote.Version {
		merged.Version = remote.Version
	}

	return merged, conflict, nil
}

// ResolveDocumentConflict performs the actual content-level
// reconciliation for a file whose document_hmac both sides changed
// differently (§4.5): if the name's extension is mergeable, it decrypts
// both blobs, runs diff3, and writes a new merged blob; otherwise it
// keeps the remote content under id and writes the local content to a
// new sidecar file under the same parent.
func (s *Service) ResolveDocumentConflict(lazy *lazytree.Tree, id uuid.UUID, baseHMAC, localHMAC, remoteHMAC []byte) (resolved *filetree.File, sidecar *filetree.File, err error) {
	f, err := lazy.FindFile(id)
	if err != nil {
		return nil, nil, err
	}
	key, err := lazy.DecryptKey(id)
	if err != nil {
		return nil, nil, err
	}
	name, err := lazy.Name(id)
	if err != nil {
		return nil, nil, err
	}

	if !mergeableExtensions[strings.ToLower(filepath.Ext(name))] {
		// The already-synced (remote) content stays under the original
		// id; the later local writer's content moves to a new sidecar
		// file (§8 "unmergeable content edit on both sides").
		localContent, err := s.docs.Read(id, key, localHMAC)
		if err != nil {
			return nil, nil, err
		}
		parentKey, err := lazy.DecryptKey(f.Parent)
		if err != nil {
			return nil, nil, err
		}
		sidecarID := filetree.NewID()
		sidecarName := sidecarName(name)
		wrappedKey, err := cryptography.Encrypt(parentKey, key)
		if err != nil {
			return nil, nil, err
		}
		encName, err := cryptography.EncryptName(parentKey, sidecarName)
		if err != nil {
			return nil, nil, err
		}
		sidecarHMAC, err := s.docs.Write(sidecarID, key, localContent)
		if err != nil {
			return nil, nil, err
		}
		sc := f.Clone()
		sc.ID = sidecarID
		sc.EncryptedName = encName.Ciphertext
		sc.NameHMAC = encName.HMAC
		sc.FolderAccessKey = wrappedKey
		sc.DocumentHMAC = sidecarHMAC

		resolved := f.Clone()
		resolved.DocumentHMAC = remoteHMAC
		return resolved, sc, nil
	}

	baseContent, _ := s.docs.Read(id, key, baseHMAC)
	localContent, err := s.docs.Read(id, key, localHMAC)
	if err != nil {
		return nil, nil, err
	}
	remoteContent, err := s.docs.Read(id, key, remoteHMAC)
	if err != nil {
		return nil, nil, err
	}

	merged := diff3.MergeText(string(baseContent), string(localContent), string(remoteContent))
	newHMAC, err := s.docs.Write(id, key, []byte(merged))
	if err != nil {
		return nil, nil, err
	}

	clone := f.Clone()
	clone.DocumentHMAC = newHMAC
	return clone, nil, nil
}

// sidecarName derives the rename-to-sidecar filename for an unmergeable
// conflict: "report.pdf" becomes "report (synced copy).pdf".
func sidecarName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return base + " (synced copy)" + ext
}

// commit replaces the base layer with merged, clears local overrides
// that now match base, and records the new last-synced version (§4.5
// step 6).
func (s *Service) commit(merged *treelike.Snapshot, pushed []*filetree.File, newVersion uint64) error {
	tx, err := s.db.Begin(localdb.Base)
	if err != nil {
		return err
	}
	for _, id := range merged.Ids() {
		f, _ := merged.MaybeFindFile(id)
		if err := tx.PutFile(f); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	localTx, err := s.db.Begin(localdb.Local)
	if err != nil {
		return err
	}
	for _, f := range pushed {
		if err := localTx.RemoveFile(f.ID); err != nil {
			localTx.Rollback()
			return err
		}
	}
	if err := localTx.Commit(); err != nil {
		return err
	}

	return s.db.SetLastSyncedVersion(newVersion)
}

func classifyTransportError(err error) error {
	if apiErr, ok := asAPIError(err); ok {
		return errkind.Wrap(errkind.ServerUnreachable, apiErr, "%s", apiErr.Code)
	}
	return errkind.Wrap(errkind.TryAgain, err, "transport error")
}

func asAPIError(err error) (*serverclient.APIError, bool) {
	apiErr, ok := err.(*serverclient.APIError)
	return apiErr, ok
}

func sameFile(a, b *filetree.File) bool {
	return a.Version == b.Version && bytesEq(a.Signature, b.Signature)
}

func uuidEqual(a, b uuid.UUID) bool { return a == b }

func bytesEq(a, b []byte) bool {
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
