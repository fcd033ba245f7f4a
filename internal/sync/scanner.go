package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrNosyncGuard is returned when a .nosync guard file is found at the sync
// root itself. This prevents syncing against an empty or unmounted volume,
// which would look like a mass local deletion.
var ErrNosyncGuard = errors.New("sync halted: .nosync guard file found at sync root")

// ScanResult is the classified output of one local tree walk.
type ScanResult struct {
	// PathsToCreateOnline holds directories that exist locally but not in
	// the state store, rationalised: each unique ancestor appears exactly
	// once, ordered shallowest to deepest.
	PathsToCreateOnline []string

	// NewUploads are files present locally with no state row.
	NewUploads []UploadTask

	// ModifiedUploads are tracked files whose content hash changed locally.
	ModifiedUploads []UploadTask

	// DeleteOnline are state rows whose local path has disappeared,
	// ordered children first.
	DeleteOnline []*Item

	// CleanupLocal lists local paths to delete instead of upload, in
	// --download-only --cleanup-local-files mode.
	CleanupLocal []string
}

// Scanner walks the local sync root and classifies each entry against the
// filter pipeline and the state store, producing the upload-side queues.
type Scanner struct {
	store    Store
	filter   *FilterEngine
	syncRoot string
	driveID  string
	logger   *slog.Logger

	// cleanupLocal inverts classification: untracked local entries are
	// deleted locally instead of uploaded.
	cleanupLocal bool
}

// NewScanner creates a Scanner for one drive scope rooted at syncRoot.
func NewScanner(store Store, filter *FilterEngine, syncRoot, driveID string, logger *slog.Logger) *Scanner {
	return &Scanner{
		store:    store,
		filter:   filter,
		syncRoot: syncRoot,
		driveID:  driveID,
		logger:   logger,
	}
}

// SetCleanupLocal switches the scanner into local-cleanup classification.
func (s *Scanner) SetCleanupLocal(v bool) {
	s.cleanupLocal = v
}

// Scan performs a full walk and returns the classified queues.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	if _, err := os.Lstat(filepath.Join(s.syncRoot, nosyncMarker)); err == nil {
		return nil, ErrNosyncGuard
	}

	result := &ScanResult{}
	createSet := make(map[string]bool)

	err := filepath.WalkDir(s.syncRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn("walk error, skipping entry", "path", path, "error", walkErr.Error())
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if path == s.syncRoot {
			return nil
		}

		return s.visit(ctx, path, d, result, createSet)
	})
	if err != nil {
		return nil, fmt.Errorf("sync: local scan: %w", err)
	}

	if err := s.detectLocalDeletions(ctx, result); err != nil {
		return nil, err
	}

	result.PathsToCreateOnline = rationalizeCreateSet(createSet)

	s.logger.Info("local scan complete",
		slog.Int("dirs_to_create", len(result.PathsToCreateOnline)),
		slog.Int("new_uploads", len(result.NewUploads)),
		slog.Int("modified_uploads", len(result.ModifiedUploads)),
		slog.Int("delete_online", len(result.DeleteOnline)),
		slog.Int("cleanup_local", len(result.CleanupLocal)),
	)

	return result, nil
}

// visit classifies a single walked entry.
func (s *Scanner) visit(
	ctx context.Context, path string, d fs.DirEntry,
	result *ScanResult, createSet map[string]bool,
) error {
	rel, err := filepath.Rel(s.syncRoot, path)
	if err != nil {
		return nil
	}

	// Normalize to NFC so macOS NFD names compare equal to API names.
	rel = norm.NFC.String(filepath.ToSlash(rel))

	if !utf8.ValidString(rel) {
		s.logger.Warn("skipping entry with invalid UTF-8 name", "path", path)

		if d.IsDir() {
			return filepath.SkipDir
		}

		return nil
	}

	// Symlinks are classified before anything else.
	if d.Type()&fs.ModeSymlink != 0 {
		return s.visitSymlink(ctx, path, rel, result, createSet)
	}

	info, err := d.Info()
	if err != nil {
		s.logger.Warn("could not stat entry", "path", path, "error", err.Error())
		return nil
	}

	verdict := s.filter.ShouldSync(rel, d.IsDir(), info.Size())
	if !verdict.Included {
		s.logger.Debug("local entry excluded", "path", rel, "reason", verdict.Reason)

		// Even an excluded directory is descended when an
		// anywhere-inclusion sync_list rule could match a descendant.
		if d.IsDir() && !s.filter.ShouldDescend(rel) {
			return filepath.SkipDir
		}

		return nil
	}

	return s.classify(ctx, rel, path, info, d.IsDir(), result, createSet)
}

// visitSymlink handles the skip_symlinks family.
func (s *Scanner) visitSymlink(
	ctx context.Context, path, rel string, result *ScanResult, createSet map[string]bool,
) error {
	switch s.filter.ClassifySymlink(path) {
	case SymlinkFollow:
		info, err := os.Stat(path)
		if err != nil {
			return nil
		}

		if info.IsDir() {
			// Directory symlinks are not descended (cycle risk).
			s.logger.Debug("not descending directory symlink", "path", rel)
			return nil
		}

		return s.classify(ctx, rel, path, info, false, result, createSet)

	case SymlinkDangling:
		s.logger.Warn("skipping dangling symlink", "path", rel)
		return nil

	default:
		s.logger.Debug("skipping symlink", "path", rel)
		return nil
	}
}

// classify compares an included entry against the state store and routes it
// into the appropriate queue.
func (s *Scanner) classify(
	ctx context.Context, rel, absPath string, info fs.FileInfo, isDir bool,
	result *ScanResult, createSet map[string]bool,
) error {
	row, err := s.store.GetItemByPath(ctx, s.driveID, rel)
	if err != nil {
		return err
	}

	if s.cleanupLocal {
		if row == nil {
			result.CleanupLocal = append(result.CleanupLocal, rel)

			if isDir {
				return filepath.SkipDir
			}
		}

		return nil
	}

	if isDir {
		if row == nil {
			createSet[rel] = true
		}

		return nil
	}

	if row == nil {
		result.NewUploads = append(result.NewUploads, UploadTask{
			RelPath: rel,
			AbsPath: absPath,
			Size:    info.Size(),
			Mtime:   info.ModTime(),
		})

		// A new file's ancestors must exist online first.
		s.ensureParentQueued(ctx, rel, createSet)

		return nil
	}

	return s.classifyTracked(rel, absPath, info, row, result)
}

// classifyTracked decides whether a tracked file's content changed locally.
// Size and mtime gate the hash computation so an unchanged tree scans
// without rehashing every file.
func (s *Scanner) classifyTracked(rel, absPath string, info fs.FileInfo, row *Item, result *ScanResult) error {
	sizeChanged := row.Size == nil || *row.Size != info.Size()
	mtimeChanged := row.RemoteMtime == nil || !SameMtimeNano(*row.RemoteMtime, info.ModTime().UnixNano())

	if !sizeChanged && !mtimeChanged {
		return nil
	}

	hash, err := ComputeQuickXorHash(absPath)
	if err != nil {
		s.logger.Warn("could not hash local file", "path", rel, "error", err.Error())
		return nil
	}

	if hash == row.QuickXorHash && row.QuickXorHash != "" {
		return nil // touched but unchanged
	}

	result.ModifiedUploads = append(result.ModifiedUploads, UploadTask{
		RelPath:  rel,
		AbsPath:  absPath,
		Size:     info.Size(),
		Mtime:    info.ModTime(),
		Replace:  true,
		ItemID:   row.ItemID,
		ETag:     row.ETag,
		ParentID: row.ParentID,
	})

	return nil
}

// ensureParentQueued adds the file's parent directory to the create queue
// when the store does not know it yet.
func (s *Scanner) ensureParentQueued(ctx context.Context, rel string, createSet map[string]bool) {
	parent := filepath.ToSlash(filepath.Dir(rel))
	if parent == "." || parent == "/" {
		return
	}

	row, err := s.store.GetItemByPath(ctx, s.driveID, parent)
	if err == nil && row == nil {
		createSet[parent] = true
	}
}

// detectLocalDeletions finds tracked rows whose local path has disappeared
// and queues them for online deletion (subject to the big-delete guard,
// applied by the delete executor).
func (s *Scanner) detectLocalDeletions(ctx context.Context, result *ScanResult) error {
	if s.cleanupLocal {
		return nil // cleanup mode never propagates deletions online
	}

	rows, err := s.store.ListDriveItems(ctx, s.driveID)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.Path == "" || row.ItemType == ItemTypeRoot || row.ItemType == ItemTypeRemote {
			continue
		}

		if _, statErr := os.Lstat(filepath.Join(s.syncRoot, row.Path)); errors.Is(statErr, os.ErrNotExist) {
			result.DeleteOnline = append(result.DeleteOnline, row)
		}
	}

	// Children first, so the delete executor can issue reverse-order
	// remote deletions without re-sorting.
	sort.SliceStable(result.DeleteOnline, func(i, j int) bool {
		return strings.Count(result.DeleteOnline[i].Path, "/") > strings.Count(result.DeleteOnline[j].Path, "/")
	})

	return nil
}

// rationalizeCreateSet decomposes each queued directory path into segments
// and returns every unique ancestor exactly once, shallowest first, so
// online creation proceeds top-down without duplicate create calls.
func rationalizeCreateSet(createSet map[string]bool) []string {
	unique := make(map[string]bool)

	for p := range createSet {
		segs := strings.Split(filepath.ToSlash(p), "/")
		for i := 1; i <= len(segs); i++ {
			unique[strings.Join(segs[:i], "/")] = true
		}
	}

	out := make([]string, 0, len(unique))
	for p := range unique {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "/"), strings.Count(out[j], "/")
		if di != dj {
			return di < dj
		}

		return out[i] < out[j]
	})

	return out
}
