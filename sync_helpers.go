package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/latticefs/odsync/internal/config"
	"github.com/latticefs/odsync/internal/driveid"
	"github.com/latticefs/odsync/internal/sync"
)

// newSyncEngine assembles a sync.Engine for one drive: state database,
// filter pipeline, remote API capabilities, and the per-worker client
// factory, all resolved from configuration.
func newSyncEngine(
	ctx context.Context, session *DriveSession, resolved *config.ResolvedDrive,
	opts syncCmdOpts, logger *slog.Logger,
) (*sync.Engine, error) {
	syncDir := resolved.SyncDir
	if syncDir == "" {
		return nil, fmt.Errorf("sync_dir not configured — set it in the config file or add a drive with 'odsync drive add'")
	}

	dbPath := resolved.StatePath()
	if dbPath == "" {
		return nil, fmt.Errorf("cannot determine state DB path for drive %q", resolved.CanonicalID)
	}

	root, err := session.Client.GetItem(ctx, session.DriveID, "root")
	if err != nil {
		return nil, fmt.Errorf("fetching drive root: %w", err)
	}

	account := accountTypeFor(resolved.CanonicalID)
	filter := sync.NewFilterEngine(&resolved.FilterConfig, syncDir, account, logger)

	reservation, err := config.ParseSize(resolved.SpaceReservation)
	if err != nil {
		reservation = 0
	}

	ts := session.TokenSource

	ecfg := &sync.EngineConfig{
		DBPath:   dbPath,
		StateDir: filepath.Dir(dbPath),
		SyncRoot: syncDir,
		DriveID:  session.DriveID,
		RootID:   root.ID,
		Account:  account,

		Fetcher: session.Client,
		Items:   session.Client,
		Quota:   session.Client,

		// Each transfer worker borrows a fresh client so no HTTP request
		// state is shared across workers.
		Factory: func() sync.TransferClients {
			transfer := newTransferGraphClient(ts, logger)

			return sync.TransferClients{
				Items:     newGraphClient(ts, logger),
				Downloads: transfer,
				Uploads:   transfer,
			}
		},

		Threads:              resolved.Threads,
		TransferOrder:        sync.ParseTransferOrder(resolved.TransferOrder),
		RateLimit:            resolved.RateLimit,
		ClassifyAsBigDelete:  resolved.ClassifyAsBigDelete,
		UseRecycleBin:        resolved.UseRecycleBin,
		PermanentDelete:      resolved.PermanentDelete,
		NoRemoteDelete:       resolved.NoRemoteDelete || opts.noRemoteDelete,
		DisableDownloadCheck: resolved.DisableDownloadValidation || opts.noDownloadCheck,
		DisableUploadCheck:   resolved.DisableUploadValidation || opts.noUploadCheck,
		BypassPreservation:   resolved.BypassDataPreservation || opts.bypassPreserve,
		CreateNewFileVersion: resolved.CreateNewFileVersion,
		ForceSessionUpload:   resolved.ForceSessionUpload,
		FragmentSizeMiB:      resolved.FileFragmentSize,
		SpaceReservation:     reservation,
		WriteXattr:           resolved.WriteXattrData,
		SimulatedDelta:       resolved.AzureADEndpoint != "" || resolved.ForceChildrenScan,
		SyncBusinessShared:   resolved.SyncBusinessSharedItems,
		TombstoneRetention:   resolved.TombstoneRetentionDays,

		Filter: filter,
		Logger: logger,
	}

	return sync.NewEngine(ecfg)
}

// accountTypeFor maps a canonical drive ID onto the engine's account type.
func accountTypeFor(cid driveid.CanonicalID) sync.AccountType {
	switch {
	case cid.IsSharePoint():
		return sync.AccountSharePoint
	case cid.IsBusiness():
		return sync.AccountBusiness
	default:
		return sync.AccountPersonal
	}
}
