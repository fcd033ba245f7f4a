package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/latticefs/odsync/internal/driveid"
)

// defaultSpaceReservation is kept free on the local volume beyond the file
// being downloaded (50 MiB).
const defaultSpaceReservation = 50 * 1024 * 1024

// partialSuffix marks an in-progress download next to its final path.
const partialSuffix = ".partial"

// ErrMalwareDetected marks a remote item the service flagged as malware;
// the download is refused and the user notified.
var ErrMalwareDetected = errors.New("sync: remote item flagged as malware")

// ErrInsufficientDiskSpace is returned when a download would leave the
// local volume below the configured reservation.
var ErrInsufficientDiskSpace = errors.New("sync: insufficient local disk space")

// DownloaderOpts carries the configuration the download worker honours.
type DownloaderOpts struct {
	DisableValidation bool
	WriteXattr        bool
	SpaceReservation  int64 // bytes; 0 means the default 50 MiB
	DryRun            bool
}

// Downloader performs single-file downloads with resume, integrity
// validation, and mtime restoration. One Downloader serves all workers; the
// per-worker state is the TransferClients bundle passed per call.
type Downloader struct {
	store     Store
	sessions  *SessionStore
	limiter   *BandwidthLimiter
	integrity *IntegrityChecker
	syncRoot  string
	account   AccountType
	opts      DownloaderOpts
	logger    *slog.Logger
}

// NewDownloader creates a download worker body. limiter may be nil
// (unlimited); it is shared with the upload side so rate_limit bounds
// aggregate transfer throughput.
func NewDownloader(
	store Store, sessions *SessionStore, limiter *BandwidthLimiter,
	syncRoot string, account AccountType, opts DownloaderOpts, logger *slog.Logger,
) *Downloader {
	if opts.SpaceReservation <= 0 {
		opts.SpaceReservation = defaultSpaceReservation
	}

	return &Downloader{
		store:     store,
		sessions:  sessions,
		limiter:   limiter,
		integrity: NewIntegrityChecker(logger),
		syncRoot:  syncRoot,
		account:   account,
		opts:      opts,
		logger:    logger,
	}
}

// Download fetches one remote file to its local path. On a network error a
// resume descriptor is persisted and the error returned; the next cycle
// retries from the recorded offset.
func (d *Downloader) Download(ctx context.Context, clients TransferClients, task *DownloadTask) error {
	remote := &task.Remote

	if remote.IsMalware {
		d.logger.Error("refusing download: item flagged as malware",
			slog.String("path", task.Item.Path),
		)

		return fmt.Errorf("%w: %s", ErrMalwareDetected, task.Item.Path)
	}

	dest := filepath.Join(d.syncRoot, task.Item.Path)

	if err := d.checkFreeSpace(remote.Size); err != nil {
		return err
	}

	if d.opts.DryRun {
		d.logger.Info("dry-run: would download",
			slog.String("path", task.Item.Path), slog.Int64("size", remote.Size))

		return nil
	}

	if err := d.preserveDivergedLocal(dest, task.Item); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), dirPermissions); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	partial := dest + partialSuffix

	nonce, offset, err := d.resumeState(partial, task)
	if err != nil {
		return err
	}

	if err := d.fetch(ctx, clients, task, partial, nonce, offset); err != nil {
		return err
	}

	if err := d.finalize(ctx, task, partial, dest, nonce); err != nil {
		return err
	}

	d.sessions.RemoveDownload(nonce)

	return nil
}

// preserveDivergedLocal safe-backups an existing local file whose content no
// longer matches the last-known stored hash — it was modified while we
// weren't looking, and the incoming download must not clobber it.
func (d *Downloader) preserveDivergedLocal(dest string, item *Item) error {
	if _, err := os.Lstat(dest); err != nil {
		return nil
	}

	known := item.LocalHash
	if known == "" {
		known = item.QuickXorHash
	}

	if known == "" {
		return nil
	}

	current, err := ComputeQuickXorHash(dest)
	if err != nil {
		return err
	}

	if current == known {
		return nil
	}

	_, err = SafeBackup(dest, false, d.logger)

	return err
}

// resumeState loads (or creates) the resume descriptor for this download
// and returns the nonce plus the byte offset the ranged GET starts at.
func (d *Downloader) resumeState(partial string, task *DownloadTask) (string, int64, error) {
	descriptors, err := d.sessions.LoadDownloads()
	if err != nil {
		return "", 0, err
	}

	for nonce, desc := range descriptors {
		if desc.DriveID == task.Item.DriveID && desc.ItemID == task.Item.ItemID {
			if fi, statErr := os.Stat(partial); statErr == nil && fi.Size() == desc.ResumeOffset {
				d.logger.Info("resuming interrupted download",
					slog.String("path", task.Item.Path),
					slog.Int64("offset", desc.ResumeOffset),
				)

				return nonce, desc.ResumeOffset, nil
			}

			// Partial and descriptor disagree — start over.
			d.sessions.RemoveDownload(nonce)
			os.Remove(partial)

			return NewNonce(), 0, nil
		}
	}

	os.Remove(partial)

	return NewNonce(), 0, nil
}

// fetch issues the ranged GET, appending to the partial file. On failure the
// descriptor is persisted with the bytes received so far.
func (d *Downloader) fetch(
	ctx context.Context, clients TransferClients, task *DownloadTask,
	partial, nonce string, offset int64,
) error {
	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(partial, flags, 0o600)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}

	_, dlErr := clients.Downloads.DownloadRange(
		ctx, driveid.New(task.Item.DriveID), task.Item.ItemID,
		wrapWriter(d.limiter, ctx, f), offset)

	closeErr := f.Close()

	if dlErr != nil {
		d.persistResume(task, partial, nonce)
		return fmt.Errorf("download %s: %w", task.Item.Path, dlErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close partial file: %w", closeErr)
	}

	return nil
}

// persistResume records how far the partial got so the next cycle resumes.
func (d *Downloader) persistResume(task *DownloadTask, partial, nonce string) {
	fi, err := os.Stat(partial)
	if err != nil {
		return
	}

	desc := &DownloadDescriptor{
		DriveID:          task.Item.DriveID,
		ItemID:           task.Item.ItemID,
		DownloadFilename: partial,
		OriginalFilename: task.Item.Path,
		ResumeOffset:     fi.Size(),
	}
	desc.OnlineHash.QuickXorHash = task.Remote.QuickXorHash
	desc.OnlineHash.SHA256Hash = task.Remote.SHA256Hash

	if err := d.sessions.SaveDownload(nonce, desc); err != nil {
		d.logger.Warn("could not persist download resume descriptor",
			slog.String("path", task.Item.Path), slog.String("error", err.Error()))
	}
}

// finalize validates the completed partial, moves it into place, restores
// the remote mtime, and persists the item row.
func (d *Downloader) finalize(ctx context.Context, task *DownloadTask, partial, dest, nonce string) error {
	remote := &task.Remote

	if !d.opts.DisableValidation {
		verdict, err := d.integrity.VerifyFile(partial, remote.QuickXorHash, remote.SHA256Hash)
		if err != nil {
			return err
		}

		if verdict == VerifyMismatch {
			return d.handleMismatch(ctx, task, partial, nonce)
		}
	}

	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("finalize download %s: %w", dest, err)
	}

	if err := AlignLocalMtime(dest, remote.ModifiedAt); err != nil {
		d.logger.Warn("could not restore mtime", "path", dest, "error", err.Error())
	}

	if d.opts.WriteXattr {
		writeAuthorshipXattrs(dest, remote.CreatedBy, remote.LastModifiedBy, d.logger)
	}

	return d.persistDownloaded(ctx, task, dest)
}

// handleMismatch applies the per-account integrity policy: business and
// SharePoint files warn about metadata enrichment; all accounts delete the
// partial and clear the row so the next cycle re-fetches cleanly.
func (d *Downloader) handleMismatch(ctx context.Context, task *DownloadTask, partial, nonce string) error {
	if d.account.Business() {
		d.logger.Warn("downloaded content does not match the advertised hash; "+
			"SharePoint is known to enrich file metadata server-side",
			slog.String("path", task.Item.Path),
		)
	} else {
		d.logger.Warn("downloaded content does not match the advertised hash",
			slog.String("path", task.Item.Path),
		)
	}

	os.Remove(partial)
	d.sessions.RemoveDownload(nonce)

	if err := d.store.DeleteItemByKey(ctx, task.Item.DriveID, task.Item.ItemID); err != nil {
		return err
	}

	return fmt.Errorf("sync: hash mismatch after download of %s", task.Item.Path)
}

// persistDownloaded records the completed transfer: remote view from the
// feed, local and synced views from the file just written.
func (d *Downloader) persistDownloaded(ctx context.Context, task *DownloadTask, dest string) error {
	item := task.Item

	fi, err := os.Stat(dest)
	if err != nil {
		return fmt.Errorf("stat downloaded file: %w", err)
	}

	now := NowNano()
	mtime := fi.ModTime().UnixNano()

	item.LocalSize = Int64Ptr(fi.Size())
	item.LocalMtime = Int64Ptr(mtime)
	item.LocalHash = task.Remote.QuickXorHash
	item.SyncedSize = Int64Ptr(fi.Size())
	item.SyncedMtime = Int64Ptr(mtime)
	item.SyncedHash = task.Remote.QuickXorHash
	item.LastSyncedAt = Int64Ptr(now)
	item.SyncStatus = SyncStatusSeen
	item.UpdatedAt = now

	return d.store.UpsertItem(ctx, item)
}

// checkFreeSpace verifies the local volume keeps at least the reservation
// free after the download.
func (d *Downloader) checkFreeSpace(size int64) error {
	free, err := diskFree(d.syncRoot)
	if err != nil {
		d.logger.Warn("could not determine free disk space", "error", err.Error())
		return nil
	}

	if free < size+d.opts.SpaceReservation {
		return fmt.Errorf("%w: need %d bytes plus %d reserved, have %d",
			ErrInsufficientDiskSpace, size, d.opts.SpaceReservation, free)
	}

	return nil
}
