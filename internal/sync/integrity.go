package sync

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/latticefs/odsync/pkg/quickxorhash"
)

// VerifyOutcome classifies the result of an integrity check.
type VerifyOutcome int

// Integrity verdicts. VerifyKnownDataLoss is distinct from a plain mismatch:
// the content differs, but for a reason the service is known to cause
// (silent .heic re-encoding), so a re-transfer would loop forever.
const (
	VerifyOK VerifyOutcome = iota
	VerifyMismatch
	VerifyKnownDataLoss
	VerifySkipped
)

// IntegrityChecker compares local file content and metadata against remote
// facets. It is pure with respect to the state database; all inputs arrive
// as parameters.
type IntegrityChecker struct {
	logger *slog.Logger
}

// NewIntegrityChecker creates a checker that logs verdicts at debug level
// and known-data-loss cases at warn.
func NewIntegrityChecker(logger *slog.Logger) *IntegrityChecker {
	if logger == nil {
		logger = slog.Default()
	}

	return &IntegrityChecker{logger: logger}
}

// ComputeQuickXorHash computes the base64 QuickXorHash of a local file with
// streaming I/O.
func ComputeQuickXorHash(fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", fsPath, err)
	}
	defer f.Close()

	h := quickxorhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", fsPath, err)
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// ComputeSHA256Hash computes the hex SHA-256 of a local file. Only needed
// when the remote supplies no QuickXorHash (some Business tenants).
func ComputeSHA256Hash(fsPath string) (string, error) {
	f, err := os.Open(fsPath)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", fsPath, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", fsPath, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile compares a local file's content hash against the remote hashes.
// QuickXorHash is the primary fingerprint; SHA-256 is used only when the
// remote supplied no QuickXorHash. Files with no remote hash at all are
// skipped (OneNote objects legitimately carry none).
func (ic *IntegrityChecker) VerifyFile(localPath, remoteQuickXor, remoteSHA256 string) (VerifyOutcome, error) {
	switch {
	case remoteQuickXor != "":
		local, err := ComputeQuickXorHash(localPath)
		if err != nil {
			return VerifyMismatch, err
		}

		return ic.classify(localPath, local, remoteQuickXor), nil

	case remoteSHA256 != "":
		local, err := ComputeSHA256Hash(localPath)
		if err != nil {
			return VerifyMismatch, err
		}

		return ic.classify(localPath, local, remoteSHA256), nil

	default:
		ic.logger.Debug("no remote hash available, skipping verification", "path", localPath)
		return VerifySkipped, nil
	}
}

// classify turns a hash comparison into a verdict, applying the .heic
// exemption: the service silently re-encodes HEIC images, so a mismatch
// there is reported as known data loss rather than a transfer defect.
func (ic *IntegrityChecker) classify(localPath, localHash, remoteHash string) VerifyOutcome {
	if localHash == remoteHash {
		return VerifyOK
	}

	if isHeic(localPath) {
		ic.logger.Warn("hash mismatch on .heic file: the service is known to alter HEIC content (DATA LOSS)",
			slog.String("path", localPath))

		return VerifyKnownDataLoss
	}

	ic.logger.Debug("hash mismatch",
		"path", localPath, "local", localHash, "remote", remoteHash)

	return VerifyMismatch
}

// isHeic reports whether the path has an HEIC image extension.
func isHeic(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".heic" || ext == ".heif"
}

// SameSize reports whether a local file's logical byte length matches.
func SameSize(localPath string, remoteSize int64) (bool, error) {
	fi, err := os.Stat(localPath)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", localPath, err)
	}

	return fi.Size() == remoteSize, nil
}

// SameMtime compares two timestamps at second resolution in UTC. The remote
// API truncates fractional seconds, so finer comparison produces false
// differences.
func SameMtime(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}

// SameMtimeNano is SameMtime over Unix-nanosecond values.
func SameMtimeNano(a, b int64) bool {
	return TruncateToSeconds(a) == TruncateToSeconds(b)
}

// CaseCollides reports whether two names collide under the remote's
// case-insensitive namespace while being distinct locally.
func CaseCollides(local, remote string) bool {
	return local != remote && strings.EqualFold(local, remote)
}
