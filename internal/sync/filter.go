package sync

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"unicode/utf8"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/latticefs/odsync/internal/config"
	"github.com/latticefs/odsync/internal/graph"
)

// maxNameLength is the per-component filesystem limit in bytes.
const maxNameLength = 255

// illegalNameChars contains characters the remote namespace forbids in
// file and folder names (Microsoft's published list).
const illegalNameChars = `"*:<>?/\|`

// nosyncMarker is the per-directory exclusion marker honoured when
// check_nosync is enabled: its presence excludes the whole directory.
const nosyncMarker = ".nosync"

// tempSuffixes are always excluded: they indicate our own incomplete
// transfers and must never be uploaded.
var tempSuffixes = []string{".partial", ".tmp"}

// reservedNames are Windows/OneDrive reserved device names (case-insensitive).
var reservedNames = func() map[string]bool {
	names := map[string]bool{
		"CON": true, "PRN": true, "AUX": true, "NUL": true,
	}

	for i := range 10 {
		names[fmt.Sprintf("COM%d", i)] = true
		names[fmt.Sprintf("LPT%d", i)] = true
	}

	return names
}()

// FilterEngine evaluates the client-side filtering pipeline: remote naming
// rules first (always on), then the include/exclude rule families
// (check_nosync, skip_dotfiles, skip_dir, skip_file, sync_list, skip_size).
// The same pipeline runs over local relative paths and remote feed items;
// for remote items the caller supplies the virtual path. The engine is pure:
// no state-store access, no mutation — POSIX case-collision checks need the
// store and live in PosixCollisionChecker.
type FilterEngine struct {
	cfg      config.FilterConfig
	account  AccountType
	logger   *slog.Logger
	syncRoot string

	// syncList is the compiled sync_list inclusion matcher (nil when no
	// sync_list is configured, meaning everything is included).
	syncList *ignore.GitIgnore

	// anywherePatterns is true when sync_list contains at least one
	// unanchored rule, which forces descent into every directory because
	// a match could occur at any depth.
	anywherePatterns bool

	// nosyncCache remembers which directories carry a .nosync marker.
	// Protected by mu for concurrent scanner access.
	nosyncCache map[string]bool
	mu          gosync.RWMutex
}

// NewFilterEngine creates a filter engine from the given config, sync root,
// and account type (which sets the encoded path-length ceiling).
func NewFilterEngine(cfg *config.FilterConfig, syncRoot string, account AccountType, logger *slog.Logger) *FilterEngine {
	logger.Info("initializing filter engine",
		"sync_root", syncRoot,
		"skip_dotfiles", cfg.SkipDotfiles,
		"skip_file", cfg.SkipFiles,
		"skip_dir", cfg.SkipDirs,
		"skip_size_mib", cfg.SkipSize,
		"sync_list", cfg.SyncList,
		"check_nosync", cfg.CheckNosync,
	)

	f := &FilterEngine{
		cfg:         *cfg,
		account:     account,
		logger:      logger,
		syncRoot:    syncRoot,
		nosyncCache: make(map[string]bool),
	}

	if len(cfg.SyncList) > 0 {
		f.syncList = ignore.CompileIgnoreLines(cfg.SyncList...)

		for _, p := range cfg.SyncList {
			trimmed := strings.TrimSuffix(strings.TrimPrefix(p, "!"), "/")
			if !strings.Contains(strings.TrimPrefix(trimmed, "/"), "/") && !strings.HasPrefix(p, "/") {
				f.anywherePatterns = true
				break
			}
		}
	}

	return f
}

// ShouldSync evaluates whether the given path (relative to the sync root)
// should be included. First match decides.
func (f *FilterEngine) ShouldSync(path string, isDir bool, size int64) FilterResult {
	// Family 1: remote naming rules, always on.
	if result := f.checkNaming(path); !result.Included {
		return result
	}

	// Family 2: client-side include/exclude rules.
	if result := f.checkRules(path, isDir, size); !result.Included {
		return result
	}

	return FilterResult{Included: true}
}

// ShouldSyncRemote runs the pipeline over a remote feed item. virtualPath is
// the item's path relative to the sync root, computed by the caller from the
// parent chain or the item's parent reference (see VirtualPath).
func (f *FilterEngine) ShouldSyncRemote(item *graph.Item, virtualPath string) FilterResult {
	return f.ShouldSync(virtualPath, item.IsFolder, item.Size)
}

// VirtualPath builds a sync-root-relative path for a remote item whose
// parent is not yet known locally, from the raw parentReference.path
// ("/drives/<id>/root:/Documents/sub"). The drive-root prefix up to and
// including the first ':' is stripped and percent-encoding decoded.
func VirtualPath(parentRefPath, name string) string {
	p := parentRefPath

	if colon := strings.IndexByte(p, ':'); colon >= 0 {
		p = p[colon+1:]
	}

	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}

	p = strings.TrimPrefix(p, "/")

	if p == "" {
		return name
	}

	return p + "/" + name
}

// ShouldDescend reports whether the scanner must enter a directory even when
// sync_list excludes the directory itself: either an anchored rule targets
// something beneath it, or an unanchored rule could match at any depth.
func (f *FilterEngine) ShouldDescend(dirPath string) bool {
	if f.syncList == nil {
		return true
	}

	if f.anywherePatterns {
		return true
	}

	prefix := filepath.ToSlash(dirPath) + "/"

	for _, p := range f.cfg.SyncList {
		anchored := strings.TrimPrefix(strings.TrimPrefix(p, "!"), "/")
		if strings.HasPrefix(anchored, prefix) {
			return true
		}
	}

	return false
}

// --- Family 1: naming rules ---

// checkNaming verifies the path complies with the remote naming rules:
// length ceiling, per-component character restrictions, control codes,
// HTML-entity sequences, and UTF-8 validity.
func (f *FilterEngine) checkNaming(path string) FilterResult {
	if !utf8.ValidString(path) {
		return f.exclude(path, "path is not valid UTF-8")
	}

	// The service measures the encoded full path; the ceiling differs by
	// account type.
	if encodedPathLength(path) > f.account.MaxPathLength() {
		return f.exclude(path, fmt.Sprintf("encoded path exceeds %d characters", f.account.MaxPathLength()))
	}

	for _, comp := range strings.Split(filepath.ToSlash(path), "/") {
		if comp == "" || comp == "." || comp == ".." {
			continue
		}

		if valid, reason := isValidRemoteName(comp); !valid {
			return f.exclude(path, reason)
		}
	}

	return FilterResult{Included: true}
}

// encodedPathLength measures the path as the service does: each segment
// percent-encoded.
func encodedPathLength(path string) int {
	n := 0

	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		n += len(url.PathEscape(seg)) + 1
	}

	return n
}

// isValidRemoteName checks whether a single path component is storable in
// the remote namespace. Returns (true, "") if valid, or (false, reason).
func isValidRemoteName(name string) (bool, string) {
	for _, ch := range name {
		if strings.ContainsRune(illegalNameChars, ch) {
			return false, fmt.Sprintf("contains illegal character %q", string(ch))
		}

		// ASCII control codes, including DEL.
		if ch < 0x20 || ch == 0x7F {
			return false, "contains an ASCII control code"
		}
	}

	// Embedded HTML-entity sequences ("&#123;", "&amp;") are rewritten by
	// the service and round-trip inconsistently.
	if containsHTMLEntity(name) {
		return false, "contains an HTML entity sequence"
	}

	upper := strings.ToUpper(name)
	baseName := upper

	if dot := strings.IndexByte(upper, '.'); dot >= 0 {
		baseName = upper[:dot]
	}

	if reservedNames[baseName] {
		return false, fmt.Sprintf("%q is a reserved name", name)
	}

	if strings.HasSuffix(name, ".") {
		return false, "name ends with a dot"
	}

	if strings.HasSuffix(name, " ") {
		return false, "name ends with a space"
	}

	if name != "" && name[0] == ' ' {
		return false, "name starts with a space"
	}

	if strings.HasPrefix(name, "~$") {
		return false, "name starts with ~$"
	}

	if strings.Contains(name, "_vti_") {
		return false, "name contains _vti_"
	}

	if len(name) > maxNameLength {
		return false, fmt.Sprintf("name exceeds %d bytes", maxNameLength)
	}

	return true, ""
}

// containsHTMLEntity reports whether s embeds an HTML entity ("&...;" with
// a plausible body: "#" + digits, or letters).
func containsHTMLEntity(s string) bool {
	for i := strings.IndexByte(s, '&'); i >= 0 && i < len(s); {
		rest := s[i+1:]

		semi := strings.IndexByte(rest, ';')
		if semi < 0 {
			return false
		}

		body := rest[:semi]
		if isEntityBody(body) {
			return true
		}

		next := strings.IndexByte(rest, '&')
		if next < 0 {
			return false
		}

		i += next + 1
	}

	return false
}

// isEntityBody reports whether body looks like a numeric ("#65", "#x41")
// or named ("amp") entity body.
func isEntityBody(body string) bool {
	if body == "" {
		return false
	}

	if body[0] == '#' {
		digits := body[1:]
		if len(digits) > 0 && (digits[0] == 'x' || digits[0] == 'X') {
			digits = digits[1:]
		}

		if digits == "" {
			return false
		}

		for _, ch := range digits {
			if !isHexDigit(ch) {
				return false
			}
		}

		return true
	}

	for _, ch := range body {
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			return false
		}
	}

	return true
}

func isHexDigit(ch rune) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

// --- Family 2: include/exclude rules ---

// checkRules applies the client-side rule families in order: temp-file
// guard, check_nosync, skip_dotfiles, skip_dir/skip_file, sync_list,
// skip_size.
func (f *FilterEngine) checkRules(path string, isDir bool, size int64) FilterResult {
	name := filepath.Base(path)

	if !isDir {
		for _, suffix := range tempSuffixes {
			if strings.HasSuffix(strings.ToLower(name), suffix) {
				return f.exclude(path, "transfer temp file")
			}
		}
	}

	if f.cfg.CheckNosync {
		if result := f.checkNosync(path, isDir); !result.Included {
			return result
		}
	}

	if f.cfg.SkipDotfiles && strings.HasPrefix(name, ".") {
		return f.exclude(path, "dotfile excluded")
	}

	if isDir {
		if f.matchesSkipDir(path, name) {
			return f.exclude(path, "matches skip_dir pattern")
		}
	} else {
		if matchesGlob(name, f.cfg.SkipFiles) || matchesAnchoredGlob(path, f.cfg.SkipFiles) {
			return f.exclude(path, "matches skip_file pattern")
		}
	}

	if result := f.checkSyncList(path, isDir); !result.Included {
		return result
	}

	if !isDir && f.cfg.SkipSize > 0 && size > f.cfg.SkipSize*1024*1024 {
		return f.exclude(path, fmt.Sprintf("exceeds skip_size (%d MiB)", f.cfg.SkipSize))
	}

	return FilterResult{Included: true}
}

// checkNosync excludes a path when the directory (or the directory holding
// the path) carries a .nosync marker.
func (f *FilterEngine) checkNosync(path string, isDir bool) FilterResult {
	dir := path
	if !isDir {
		dir = filepath.Dir(path)
	}

	for dir != "." && dir != "/" && dir != "" {
		if f.hasNosyncMarker(dir) {
			return f.exclude(path, "directory excluded by "+nosyncMarker)
		}

		dir = filepath.Dir(dir)
	}

	if f.hasNosyncMarker(".") {
		return f.exclude(path, "sync root excluded by "+nosyncMarker)
	}

	return FilterResult{Included: true}
}

// hasNosyncMarker reports (and caches) whether dir contains a .nosync file.
func (f *FilterEngine) hasNosyncMarker(dir string) bool {
	f.mu.RLock()
	v, cached := f.nosyncCache[dir]
	f.mu.RUnlock()

	if cached {
		return v
	}

	_, err := os.Lstat(filepath.Join(f.syncRoot, dir, nosyncMarker))
	present := err == nil

	f.mu.Lock()
	f.nosyncCache[dir] = present
	f.mu.Unlock()

	return present
}

// matchesSkipDir checks skip_dir patterns against the directory basename and
// against the root-anchored path (a pattern "Backup/old" matches the path
// form; "Backup" matches any directory of that name).
func (f *FilterEngine) matchesSkipDir(path, name string) bool {
	if matchesGlob(name, f.cfg.SkipDirs) {
		return true
	}

	return matchesAnchoredGlob(path, f.cfg.SkipDirs)
}

// checkSyncList applies the sync_list inclusion family: when configured,
// a path must match an inclusion rule. Directories that do not match but
// that an inclusion rule could still reach pass as traversable so the
// scanner can descend.
func (f *FilterEngine) checkSyncList(path string, isDir bool) FilterResult {
	if f.syncList == nil {
		return FilterResult{Included: true}
	}

	if f.cfg.SyncRootFiles && !isDir && !strings.Contains(filepath.ToSlash(path), "/") {
		return FilterResult{Included: true}
	}

	matchPath := filepath.ToSlash(path)
	if isDir {
		matchPath += "/"
	}

	if f.syncList.MatchesPath(matchPath) {
		return FilterResult{Included: true}
	}

	if isDir && f.ShouldDescend(path) {
		return FilterResult{Included: true}
	}

	return f.exclude(path, "not in sync_list")
}

// exclude logs and builds an exclusion result.
func (f *FilterEngine) exclude(path, reason string) FilterResult {
	f.logger.Debug("path excluded", "path", path, "reason", reason)
	return FilterResult{Included: false, Reason: reason}
}

// matchesGlob checks name against glob patterns, case-insensitively.
// Malformed patterns are logged and skipped.
func matchesGlob(name string, patterns []string) bool {
	lowerName := strings.ToLower(name)

	for _, pattern := range patterns {
		if strings.Contains(pattern, "/") {
			continue // anchored patterns handled separately
		}

		matched, err := filepath.Match(strings.ToLower(pattern), lowerName)
		if err != nil {
			slog.Warn("malformed skip pattern", "pattern", pattern, "error", err)
			continue
		}

		if matched {
			return true
		}
	}

	return false
}

// matchesAnchoredGlob checks the full relative path against patterns that
// contain a path separator, with and without a root-anchored "/" prefix.
func matchesAnchoredGlob(path string, patterns []string) bool {
	lowerPath := strings.ToLower(filepath.ToSlash(path))

	for _, pattern := range patterns {
		if !strings.Contains(pattern, "/") {
			continue
		}

		p := strings.ToLower(strings.TrimPrefix(pattern, "/"))

		matched, err := filepath.Match(p, lowerPath)
		if err != nil {
			slog.Warn("malformed skip pattern", "pattern", pattern, "error", err)
			continue
		}

		if matched {
			return true
		}

		// A directory pattern also excludes everything beneath it.
		if strings.HasPrefix(lowerPath, p+"/") {
			return true
		}
	}

	return false
}

// SymlinkVerdict classifies a symlink for the skip_symlinks family.
type SymlinkVerdict int

// Symlink classifications.
const (
	SymlinkFollow   SymlinkVerdict = iota // target resolves inside the sync root
	SymlinkSkip                           // skip_symlinks set, or unresolvable
	SymlinkDangling                       // relative link whose target is missing
)

// ClassifySymlink decides what to do with a symlink at absPath. When
// skip_symlinks is set every symlink is skipped. Otherwise dangling relative
// links are classified further: if the target resolves via the sync root the
// link is followed, else it is rejected.
func (f *FilterEngine) ClassifySymlink(absPath string) SymlinkVerdict {
	if f.cfg.SkipSymlinks {
		return SymlinkSkip
	}

	target, err := os.Readlink(absPath)
	if err != nil {
		return SymlinkSkip
	}

	resolved := target
	if !filepath.IsAbs(target) {
		resolved = filepath.Join(filepath.Dir(absPath), target)
	}

	if _, err := os.Stat(resolved); err == nil {
		return SymlinkFollow
	}

	// Dangling relative link: retry resolution via the sync root before
	// rejecting.
	if !filepath.IsAbs(target) {
		if _, err := os.Stat(filepath.Join(f.syncRoot, target)); err == nil {
			return SymlinkFollow
		}
	}

	return SymlinkDangling
}
