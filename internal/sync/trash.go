package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// trashFilesSubdir and trashInfoSubdir are the two subdirectories of a
// FreeDesktop.org trash directory (the "$trash/files" and "$trash/info"
// directories described by the Trash spec, version 1.0).
const (
	trashFilesSubdir = "files"
	trashInfoSubdir  = "info"
)

// trashDirPerms/trashFilePerms match the spec's recommendation that the
// trash directory and its contents are only accessible to their owner.
const (
	trashDirPerms  = 0o700
	trashInfoPerms = 0o600
)

// trashInfoExt is the required extension for trashinfo metadata files.
const trashInfoExt = ".trashinfo"

// maxTrashCollisionAttempts bounds the name.N.ext collision search; exceeding
// it is implausible and treated as a hard failure rather than looping forever.
const maxTrashCollisionAttempts = 10000

// defaultTrashFunc moves a file or directory to the user's FreeDesktop.org
// trash directory ($XDG_DATA_HOME/Trash, defaulting to ~/.local/share/Trash),
// recording the original absolute path and deletion timestamp in a sibling
// ".trashinfo" file as required by the spec.
func defaultTrashFunc(absPath string) error {
	trashDir, err := xdgTrashDir()
	if err != nil {
		return err
	}

	filesDir := filepath.Join(trashDir, trashFilesSubdir)
	infoDir := filepath.Join(trashDir, trashInfoSubdir)

	if err := os.MkdirAll(filesDir, trashDirPerms); err != nil {
		return fmt.Errorf("creating trash files dir: %w", err)
	}

	if err := os.MkdirAll(infoDir, trashDirPerms); err != nil {
		return fmt.Errorf("creating trash info dir: %w", err)
	}

	absOriginal, err := filepath.Abs(absPath)
	if err != nil {
		return fmt.Errorf("resolving absolute path for %s: %w", absPath, err)
	}

	trashName, err := reserveTrashName(filesDir, infoDir, filepath.Base(absOriginal))
	if err != nil {
		return err
	}

	infoPath := filepath.Join(infoDir, trashName+trashInfoExt)
	if err := os.WriteFile(infoPath, []byte(trashInfoContent(absOriginal, time.Now())), trashInfoPerms); err != nil {
		return fmt.Errorf("writing trashinfo file: %w", err)
	}

	destPath := filepath.Join(filesDir, trashName)
	if err := os.Rename(absOriginal, destPath); err != nil {
		// Roll back the metadata file so a failed move doesn't leave an orphan
		// .trashinfo entry with no corresponding payload.
		os.Remove(infoPath)

		return fmt.Errorf("moving %s to trash: %w", absOriginal, err)
	}

	return nil
}

// xdgTrashDir resolves the trash directory root per the XDG base directory
// spec: $XDG_DATA_HOME/Trash, falling back to ~/.local/share/Trash.
func xdgTrashDir() (string, error) {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "Trash"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "Trash"), nil
}

// reserveTrashName picks a name for the trashed item under filesDir that
// collides with neither an existing payload nor an existing .trashinfo file,
// falling back to a numeric "name.N.ext" suffix (spec section on name clashes).
func reserveTrashName(filesDir, infoDir, baseName string) (string, error) {
	if !trashNameTaken(filesDir, infoDir, baseName) {
		return baseName, nil
	}

	stem := baseName
	ext := filepath.Ext(baseName)

	if ext != "" {
		stem = baseName[:len(baseName)-len(ext)]
	}

	for i := 1; i <= maxTrashCollisionAttempts; i++ {
		candidate := stem + "." + strconv.Itoa(i) + ext
		if !trashNameTaken(filesDir, infoDir, candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("trash: exhausted %d collision-avoidance attempts for %q", maxTrashCollisionAttempts, baseName)
}

// trashNameTaken reports whether name is already used by a trashed payload
// or its metadata file.
func trashNameTaken(filesDir, infoDir, name string) bool {
	if _, err := os.Stat(filepath.Join(filesDir, name)); err == nil {
		return true
	}

	if _, err := os.Stat(filepath.Join(infoDir, name+trashInfoExt)); err == nil {
		return true
	}

	return false
}

// trashInfoContent builds the contents of a .trashinfo file: the original
// absolute path (percent-escaped per RFC 2396) and the local-time deletion
// timestamp in the spec's required format.
func trashInfoContent(absOriginal string, deletedAt time.Time) string {
	var b strings.Builder

	b.WriteString("[Trash Info]\n")
	b.WriteString("Path=" + escapeTrashPath(absOriginal) + "\n")
	b.WriteString("DeletionDate=" + deletedAt.Format("2006-01-02T15:04:05") + "\n")

	return b.String()
}

// escapeTrashPath percent-encodes characters the .trashinfo Path key must
// escape, without touching the path separator.
func escapeTrashPath(p string) string {
	var b strings.Builder

	for _, r := range p {
		switch {
		case r == '/' || r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%02X", r)
		}
	}

	return b.String()
}
