package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/graph"
)

// sessionThreshold is the size above which uploads use a resumable session
// instead of a single PUT (4 MiB).
const sessionThreshold = 4 * 1024 * 1024

// Fragment sizing: every fragment must be a multiple of 320 KiB and
// strictly smaller than 60 MiB, per the upload-session contract.
const (
	fragmentAlignment   = 320 * 1024
	maxFragmentSize     = 60*1024*1024 - fragmentAlignment
	defaultFragmentSize = 10 * 1024 * 1024
)

// ErrQuotaExhausted is returned when the drive cache reports no headroom
// for a required upload.
var ErrQuotaExhausted = errors.New("sync: drive quota exhausted")

// UploaderOpts carries the configuration the upload worker honours.
type UploaderOpts struct {
	DisableValidation    bool
	ForceSession         bool
	FragmentSizeMiB      int64
	CreateNewFileVersion bool
	DryRun               bool
}

// Uploader performs single-file uploads: simple PUTs below the session
// threshold, chunked resumable sessions above it, with per-fragment
// descriptor persistence, quota admission, and POSIX collision checks.
type Uploader struct {
	store    Store
	sessions *SessionStore
	cache    *DriveCache
	limiter  *BandwidthLimiter
	posix    *PosixCollisionChecker
	syncRoot string
	driveID  driveid.ID
	rootID   string // drive root item id, the parent of top-level entries
	account  AccountType
	opts     UploaderOpts
	logger   *slog.Logger

	// redownloads collects enriched business/SharePoint files whose
	// server-side copy no longer matches local; the engine fetches them
	// back after the upload pass so both sides agree. Workers append
	// under mu; the coordinator drains via TakeRedownloads.
	mu          gosync.Mutex
	redownloads []DownloadTask
}

// NewUploader creates an upload worker body for one drive scope. limiter may
// be nil (unlimited); it is shared with the download side so rate_limit
// bounds aggregate transfer throughput.
func NewUploader(
	store Store, sessions *SessionStore, cache *DriveCache, limiter *BandwidthLimiter,
	syncRoot string, driveID driveid.ID, rootID string,
	account AccountType, opts UploaderOpts, logger *slog.Logger,
) *Uploader {
	return &Uploader{
		store:    store,
		sessions: sessions,
		cache:    cache,
		limiter:  limiter,
		posix:    NewPosixCollisionChecker(store),
		syncRoot: syncRoot,
		driveID:  driveID,
		rootID:   rootID,
		account:  account,
		opts:     opts,
		logger:   logger,
	}
}

// TakeRedownloads drains the enriched-file re-download queue built during
// upload validation.
func (u *Uploader) TakeRedownloads() []DownloadTask {
	u.mu.Lock()
	defer u.mu.Unlock()

	d := u.redownloads
	u.redownloads = nil

	return d
}

// fragmentSize resolves the configured fragment size to a legal value.
func (u *Uploader) fragmentSize() int64 {
	size := u.opts.FragmentSizeMiB * 1024 * 1024
	if size <= 0 {
		size = defaultFragmentSize
	}

	size -= size % fragmentAlignment

	if size < fragmentAlignment {
		size = fragmentAlignment
	}

	if size > maxFragmentSize {
		size = maxFragmentSize
	}

	return size
}

// Upload pushes one local file online. The parent must already exist in the
// state store (directory creation runs before uploads each cycle).
func (u *Uploader) Upload(ctx context.Context, clients TransferClients, task *UploadTask) error {
	if err := u.admit(ctx, task); err != nil {
		return err
	}

	parentID, parentPath, err := u.resolveParent(ctx, task)
	if err != nil {
		return err
	}

	name := filepath.Base(task.RelPath)

	// Case-insensitive sibling check before creating anything online.
	if !task.Replace {
		if err := u.posix.Check(ctx, u.driveID.String(), parentID, parentPath, name, task.ItemID); err != nil {
			return err
		}
	}

	if u.opts.DryRun {
		u.logger.Info("dry-run: would upload",
			slog.String("path", task.RelPath), slog.Int64("size", task.Size))

		return nil
	}

	var uploaded *graph.Item

	if task.Size <= sessionThreshold && !u.opts.ForceSession {
		uploaded, err = u.simpleUpload(ctx, clients, task, parentID, name)
	} else {
		uploaded, err = u.sessionUpload(ctx, clients, task, parentID, name)
	}

	if err != nil {
		return err
	}

	return u.afterUpload(ctx, clients, task, uploaded)
}

// admit applies the quota admission check. Business accounts may
// legitimately restrict quota visibility; they proceed with a warning.
func (u *Uploader) admit(ctx context.Context, task *UploadTask) error {
	if u.cache == nil {
		return nil
	}

	ok, err := u.cache.HasHeadroom(ctx, u.driveID, task.Size)
	if err != nil {
		u.logger.Warn("could not check drive quota", "error", err.Error())
		return nil
	}

	if ok {
		return nil
	}

	if u.account.Business() {
		u.logger.Warn("quota restricted or unknown; attempting upload anyway",
			slog.String("path", task.RelPath))

		return nil
	}

	return fmt.Errorf("%w: %s (%d bytes)", ErrQuotaExhausted, task.RelPath, task.Size)
}

// resolveParent finds the online parent of the task's path.
func (u *Uploader) resolveParent(ctx context.Context, task *UploadTask) (string, string, error) {
	if task.ParentID != "" {
		parent, err := u.store.GetItem(ctx, u.driveID.String(), task.ParentID)
		if err != nil {
			return "", "", err
		}

		if parent != nil {
			return parent.ItemID, parent.Path, nil
		}
	}

	parentPath := filepath.ToSlash(filepath.Dir(task.RelPath))
	if parentPath == "." || parentPath == "/" {
		return u.rootID, "", nil
	}

	parent, err := u.store.GetItemByPath(ctx, u.driveID.String(), parentPath)
	if err != nil {
		return "", "", err
	}

	if parent == nil {
		return "", "", fmt.Errorf("sync: online parent of %s not found", task.RelPath)
	}

	return parent.ItemID, parent.Path, nil
}

// simpleUpload performs a single PUT.
func (u *Uploader) simpleUpload(
	ctx context.Context, clients TransferClients, task *UploadTask, parentID, name string,
) (*graph.Item, error) {
	f, err := os.Open(task.AbsPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", task.AbsPath, err)
	}
	defer f.Close()

	r := wrapReader(u.limiter, ctx, f)

	if task.Replace {
		return clients.Uploads.SimpleUploadReplace(ctx, u.driveID, task.ItemID, r, task.Size)
	}

	return clients.Uploads.SimpleUpload(ctx, u.driveID, parentID, name, r, task.Size)
}

// sessionUpload performs a chunked, resumable upload. The descriptor is
// persisted after every successful fragment so a crash resumes where it
// stopped.
func (u *Uploader) sessionUpload(
	ctx context.Context, clients TransferClients, task *UploadTask, parentID, name string,
) (*graph.Item, error) {
	f, err := os.Open(task.AbsPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", task.AbsPath, err)
	}
	defer f.Close()

	session, nonce, offset, err := u.openSession(ctx, clients, task, parentID, name)
	if err != nil {
		return nil, err
	}

	item, err := u.uploadFragments(ctx, clients, task, session, nonce, f, offset, parentID, name)
	if err != nil {
		return nil, err
	}

	u.sessions.RemoveUpload(nonce)

	return item, nil
}

// openSession resumes a persisted session when one matches the task, or
// creates a fresh one.
func (u *Uploader) openSession(
	ctx context.Context, clients TransferClients, task *UploadTask, parentID, name string,
) (*graph.UploadSession, string, int64, error) {
	descriptors, err := u.sessions.LoadUploads()
	if err != nil {
		return nil, "", 0, err
	}

	for nonce, desc := range descriptors {
		if desc.LocalPath != task.AbsPath {
			continue
		}

		session := &graph.UploadSession{
			UploadURL:          desc.UploadURL,
			ExpirationTime:     desc.ExpirationDateTime,
		}

		status, statusErr := clients.Uploads.QueryUploadSession(ctx, session)
		if statusErr != nil {
			u.logger.Warn("persisted upload session no longer valid, restarting",
				slog.String("path", task.RelPath))
			u.sessions.RemoveUpload(nonce)

			break
		}

		offset := nextRangeOffset(status.NextExpectedRanges)

		u.logger.Info("resuming upload session",
			slog.String("path", task.RelPath),
			slog.Int64("offset", offset),
		)

		return session, nonce, offset, nil
	}

	session, err := clients.Uploads.CreateUploadSession(ctx, u.driveID, parentID, name, task.Size, task.Mtime)
	if err != nil {
		return nil, "", 0, fmt.Errorf("create upload session: %w", err)
	}

	nonce := NewNonce()
	u.persistSession(task, session, nonce, parentID, name)

	return session, nonce, 0, nil
}

// uploadFragments iterates fragments from offset until completion, handling
// the session-level error contract: 416 resynchronizes from the server's
// expected ranges; 403 (tempauth expiry) and 404 re-create the session and
// restart from zero; transient statuses retry the same fragment once before
// propagating.
func (u *Uploader) uploadFragments(
	ctx context.Context, clients TransferClients, task *UploadTask,
	session *graph.UploadSession, nonce string, f *os.File, offset int64,
	parentID, name string,
) (*graph.Item, error) {
	fragSize := u.fragmentSize()
	retried := false

	for offset < task.Size {
		length := fragSize
		if offset+length > task.Size {
			length = task.Size - offset
		}

		chunk := wrapReaderAt(u.limiter, ctx, io.NewSectionReader(f, offset, length))

		item, err := clients.Uploads.UploadChunk(ctx, session, chunk, offset, length, task.Size)
		if err != nil {
			var action fragmentAction
			action, offset, session, err = u.recoverFragment(
				ctx, clients, task, session, nonce, offset, parentID, name, err, &retried)

			if err != nil {
				return nil, err
			}

			if action == fragmentRetry {
				continue
			}
		}

		offset += length
		retried = false

		u.persistProgress(task, session, nonce, parentID, name, offset)

		if item != nil {
			return item, nil
		}
	}

	// The final fragment must have returned the item.
	return nil, fmt.Errorf("sync: upload session for %s ended without an item", task.RelPath)
}

// fragmentAction tells the fragment loop how to proceed after recovery.
type fragmentAction int

const (
	fragmentRetry fragmentAction = iota
)

// recoverFragment implements the session error contract for one failed
// fragment. It returns the (possibly reset) offset and session.
func (u *Uploader) recoverFragment(
	ctx context.Context, clients TransferClients, task *UploadTask,
	session *graph.UploadSession, nonce string, offset int64,
	parentID, name string, err error, retried *bool,
) (fragmentAction, int64, *graph.UploadSession, error) {
	var gerr *graph.GraphError
	if !errors.As(err, &gerr) {
		u.persistProgress(task, session, nonce, parentID, name, offset)
		return fragmentRetry, 0, nil, fmt.Errorf("upload fragment at %d: %w", offset, err)
	}

	switch {
	case gerr.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The server is ahead of us; resynchronize from its view.
		status, qErr := clients.Uploads.QueryUploadSession(ctx, session)
		if qErr != nil {
			return fragmentRetry, 0, nil, fmt.Errorf("resync upload session: %w", qErr)
		}

		return fragmentRetry, nextRangeOffset(status.NextExpectedRanges), session, nil

	case gerr.StatusCode == http.StatusForbidden && strings.Contains(gerr.Message, "tempauth"),
		gerr.StatusCode == http.StatusNotFound:
		// The pre-authenticated URL expired (tempauth) or the session is
		// gone: create a new session and restart from zero.
		u.logger.Warn("upload session expired, creating a new one",
			slog.String("path", task.RelPath),
			slog.Int("status", gerr.StatusCode),
		)

		fresh, cErr := clients.Uploads.CreateUploadSession(ctx, u.driveID, parentID, name, task.Size, task.Mtime)
		if cErr != nil {
			return fragmentRetry, 0, nil, fmt.Errorf("re-create upload session: %w", cErr)
		}

		u.persistSession(task, fresh, nonce, parentID, name)

		return fragmentRetry, 0, fresh, nil

	case isTransientStatus(gerr.StatusCode) && !*retried:
		*retried = true

		u.logger.Warn("transient fragment failure, retrying once",
			slog.String("path", task.RelPath),
			slog.Int("status", gerr.StatusCode),
		)

		return fragmentRetry, offset, session, nil

	default:
		u.persistProgress(task, session, nonce, parentID, name, offset)
		return fragmentRetry, 0, nil, fmt.Errorf("upload fragment at %d: %w", offset, err)
	}
}

// isTransientStatus mirrors the remote API's transient set.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// persistSession writes a fresh descriptor for a newly created session.
func (u *Uploader) persistSession(task *UploadTask, session *graph.UploadSession, nonce, parentID, name string) {
	desc := &UploadDescriptor{
		UploadURL:          session.UploadURL,
		ExpirationDateTime: session.ExpirationTime,
		NextExpectedRanges: session.NextExpectedRanges,
		LocalPath:          task.AbsPath,
		TargetDriveID:      u.driveID.String(),
		TargetParentID:     parentID,
		TargetName:         name,
		CurrentETag:        task.ETag,
		TotalSize:          task.Size,
	}

	if err := u.sessions.SaveUpload(nonce, desc); err != nil {
		u.logger.Warn("could not persist upload session descriptor",
			slog.String("path", task.RelPath), slog.String("error", err.Error()))
	}
}

// persistProgress records the next expected offset after a fragment.
func (u *Uploader) persistProgress(task *UploadTask, session *graph.UploadSession, nonce, parentID, name string, offset int64) {
	desc := &UploadDescriptor{
		UploadURL:          session.UploadURL,
		ExpirationDateTime: session.ExpirationTime,
		NextExpectedRanges: []string{fmt.Sprintf("%d-", offset)},
		LocalPath:          task.AbsPath,
		TargetDriveID:      u.driveID.String(),
		TargetParentID:     parentID,
		TargetName:         name,
		CurrentETag:        task.ETag,
		TotalSize:          task.Size,
	}

	if err := u.sessions.SaveUpload(nonce, desc); err != nil {
		u.logger.Warn("could not persist upload progress",
			slog.String("path", task.RelPath), slog.String("error", err.Error()))
	}
}

// nextRangeOffset parses the first next-expected-range into a byte offset.
func nextRangeOffset(ranges []string) int64 {
	if len(ranges) == 0 {
		return 0
	}

	r := ranges[0]
	if dash := strings.IndexByte(r, '-'); dash >= 0 {
		r = r[:dash]
	}

	var off int64
	if _, err := fmt.Sscanf(r, "%d", &off); err != nil {
		return 0
	}

	return off
}

// afterUpload patches the online mtime to match the local file, updates the
// drive cache, persists the row, and then validates the uploaded content.
func (u *Uploader) afterUpload(
	ctx context.Context, clients TransferClients, task *UploadTask, uploaded *graph.Item,
) error {
	if uploaded == nil {
		return fmt.Errorf("sync: upload of %s returned no item", task.RelPath)
	}

	// Patch the online lastModifiedDateTime to the local mtime. Personal
	// accounts send the PATCH without an ETag precondition to avoid
	// spurious 412s; UpdateFileSystemInfo sends none for any account.
	patched, err := clients.Items.UpdateFileSystemInfo(ctx, u.driveID, uploaded.ID, task.Mtime)
	if err != nil {
		u.logger.Warn("could not patch online mtime",
			slog.String("path", task.RelPath), slog.String("error", err.Error()))
	} else {
		// A metadata PATCH response may omit the file facets; keep the
		// upload response's hashes for validation.
		if patched.QuickXorHash == "" {
			patched.QuickXorHash = uploaded.QuickXorHash
			patched.SHA256Hash = uploaded.SHA256Hash
		}

		if patched.Name == "" {
			patched.Name = uploaded.Name
		}

		if patched.Size == 0 {
			patched.Size = uploaded.Size
		}

		uploaded = patched
	}

	if u.cache != nil {
		u.cache.DecrementUpload(u.driveID, task.Size)
	}

	if err := u.persistUploaded(ctx, task, uploaded); err != nil {
		return err
	}

	if u.opts.DisableValidation {
		return nil
	}

	return u.validateUploaded(ctx, clients, task, uploaded)
}

// validateUploaded compares the local hash with what the service stored and
// applies the per-account mismatch policy: business and SharePoint accounts
// fetch the enriched copy back so local and remote agree; personal accounts
// warn by default, or cut a new online version via a metadata PATCH when
// create_new_file_version is set.
func (u *Uploader) validateUploaded(
	ctx context.Context, clients TransferClients, task *UploadTask, uploaded *graph.Item,
) error {
	if uploaded.QuickXorHash == "" {
		return nil
	}

	localHash, err := ComputeQuickXorHash(task.AbsPath)
	if err != nil || localHash == uploaded.QuickXorHash {
		return nil
	}

	if isHeic(task.AbsPath) {
		u.logger.Warn("uploaded .heic content was altered by the service (known DATA LOSS)",
			slog.String("path", task.RelPath))

		return nil
	}

	if u.account.Business() {
		return u.queueEnrichedRedownload(ctx, task, uploaded)
	}

	if u.opts.CreateNewFileVersion {
		// A metadata PATCH makes the service cut a fresh version whose
		// metadata matches the local file, preserving the pre-rewrite
		// content in the version history.
		versioned, patchErr := clients.Items.UpdateFileSystemInfo(ctx, u.driveID, uploaded.ID, task.Mtime)
		if patchErr != nil {
			return fmt.Errorf("create new version of %s: %w", task.RelPath, patchErr)
		}

		if versioned.QuickXorHash == "" {
			versioned.QuickXorHash = uploaded.QuickXorHash
			versioned.SHA256Hash = uploaded.SHA256Hash
		}

		if versioned.Name == "" {
			versioned.Name = uploaded.Name
		}

		if versioned.Size == 0 {
			versioned.Size = uploaded.Size
		}

		u.logger.Info("hash mismatch after upload; created a new online version",
			slog.String("path", task.RelPath))

		return u.persistUploaded(ctx, task, versioned)
	}

	u.logger.Warn("hash mismatch after upload",
		slog.String("path", task.RelPath),
		slog.String("local", localHash),
		slog.String("remote", uploaded.QuickXorHash),
	)

	return nil
}

// queueEnrichedRedownload schedules the server's (enriched) copy of a just-
// uploaded file for download, so the local file matches what SharePoint
// actually stored.
func (u *Uploader) queueEnrichedRedownload(ctx context.Context, task *UploadTask, uploaded *graph.Item) error {
	u.logger.Warn("uploaded content was enriched server-side (SharePoint metadata rewrite); "+
		"fetching the enriched copy back",
		slog.String("path", task.RelPath),
	)

	row, err := u.store.GetItem(ctx, u.driveID.String(), uploaded.ID)
	if err != nil {
		return err
	}

	if row == nil {
		row = &Item{
			DriveID:  u.driveID.String(),
			ItemID:   uploaded.ID,
			Path:     task.RelPath,
			ItemType: ItemTypeFile,
		}
	}

	u.mu.Lock()
	u.redownloads = append(u.redownloads, DownloadTask{Item: row, Remote: *uploaded})
	u.mu.Unlock()

	return nil
}

// persistUploaded records the completed transfer in the state store.
func (u *Uploader) persistUploaded(ctx context.Context, task *UploadTask, uploaded *graph.Item) error {
	now := NowNano()

	localHash, hashErr := ComputeQuickXorHash(task.AbsPath)
	if hashErr != nil {
		localHash = uploaded.QuickXorHash
	}

	item := &Item{
		DriveID:       u.driveID.String(),
		ItemID:        uploaded.ID,
		ParentDriveID: u.driveID.String(),
		ParentID:      uploaded.ParentID,
		Name:          uploaded.Name,
		ItemType:      ItemTypeFile,
		Path:          task.RelPath,
		Size:          Int64Ptr(uploaded.Size),
		ETag:          uploaded.ETag,
		CTag:          uploaded.CTag,
		QuickXorHash:  uploaded.QuickXorHash,
		SHA256Hash:    uploaded.SHA256Hash,
		LocalSize:     Int64Ptr(task.Size),
		LocalMtime:    Int64Ptr(task.Mtime.UnixNano()),
		LocalHash:     localHash,
		SyncedSize:    Int64Ptr(task.Size),
		SyncedMtime:   Int64Ptr(task.Mtime.UnixNano()),
		SyncedHash:    localHash,
		LastSyncedAt:  Int64Ptr(now),
		SyncStatus:    SyncStatusSeen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if mt := ToUnixNano(uploaded.ModifiedAt); mt != 0 {
		item.RemoteMtime = Int64Ptr(mt)
	}

	return u.store.UpsertItem(ctx, item)
}
