package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Descriptor filename prefixes. Descriptors live alongside the state
// database so a crash leaves both in the same directory for recovery.
const (
	uploadDescPrefix   = "session_upload."
	downloadDescPrefix = "resume_download."
)

// descriptorFilePerms keeps descriptors owner-only: upload URLs embed
// pre-authenticated tokens.
const descriptorFilePerms = 0o600

// ErrCorruptDescriptor is returned when a descriptor file cannot be decoded.
// Callers discard the file and restart the transfer from scratch.
var ErrCorruptDescriptor = errors.New("sync: corrupt session descriptor")

// UploadDescriptor is the on-disk resume record for an in-flight session
// upload. Persisted after every successful fragment so a crash can resume.
type UploadDescriptor struct {
	UploadURL          string    `json:"uploadUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	NextExpectedRanges []string  `json:"nextExpectedRanges"`
	LocalPath          string    `json:"localPath"`
	TargetDriveID      string    `json:"targetDriveId"`
	TargetParentID     string    `json:"targetParentId"`
	TargetName         string    `json:"targetName"`
	CurrentETag        string    `json:"currentETag,omitempty"`
	TotalSize          int64     `json:"totalSize"`
}

// NextOffset parses the first nextExpectedRanges entry ("12345-" or
// "12345-99999") into a byte offset. Returns 0 when no range is recorded.
func (d *UploadDescriptor) NextOffset() int64 {
	if len(d.NextExpectedRanges) == 0 {
		return 0
	}

	r := d.NextExpectedRanges[0]
	if dash := strings.IndexByte(r, '-'); dash >= 0 {
		r = r[:dash]
	}

	var off int64
	if _, err := fmt.Sscanf(r, "%d", &off); err != nil {
		return 0
	}

	return off
}

// DownloadDescriptor is the on-disk resume record for an interrupted
// download: the partial file and the offset the next ranged GET starts at.
type DownloadDescriptor struct {
	DriveID          string `json:"driveId"`
	ItemID           string `json:"itemId"`
	DownloadFilename string `json:"downloadFilename"` // the .partial path
	OriginalFilename string `json:"originalFilename"`
	ResumeOffset     int64  `json:"resumeOffset"`
	OnlineHash       struct {
		QuickXorHash string `json:"quickXorHash,omitempty"`
		SHA256Hash   string `json:"sha256Hash,omitempty"`
	} `json:"onlineHash"`
}

// SessionStore persists transfer resume descriptors as small JSON files in
// the state directory. Writes are atomic (temp file + rename); descriptors
// are removed on success or definitive failure.
type SessionStore struct {
	dir    string
	logger *slog.Logger
}

// NewSessionStore creates a SessionStore rooted at dir (typically the state
// database directory). The directory must already exist.
func NewSessionStore(dir string, logger *slog.Logger) *SessionStore {
	return &SessionStore{dir: dir, logger: logger}
}

// NewNonce returns a fresh descriptor nonce.
func NewNonce() string {
	return uuid.NewString()
}

// SaveUpload writes (or rewrites) an upload descriptor atomically.
func (s *SessionStore) SaveUpload(nonce string, d *UploadDescriptor) error {
	return s.writeJSON(uploadDescPrefix+nonce, d)
}

// SaveDownload writes (or rewrites) a download-resume descriptor atomically.
func (s *SessionStore) SaveDownload(nonce string, d *DownloadDescriptor) error {
	return s.writeJSON(downloadDescPrefix+nonce, d)
}

// RemoveUpload deletes an upload descriptor. OK if already gone.
func (s *SessionStore) RemoveUpload(nonce string) {
	s.remove(uploadDescPrefix + nonce)
}

// RemoveDownload deletes a download descriptor. OK if already gone.
func (s *SessionStore) RemoveDownload(nonce string) {
	s.remove(downloadDescPrefix + nonce)
}

// LoadUploads returns all persisted upload descriptors keyed by nonce.
// Corrupt files are removed and skipped with a warning.
func (s *SessionStore) LoadUploads() (map[string]*UploadDescriptor, error) {
	out := make(map[string]*UploadDescriptor)

	err := s.loadAll(uploadDescPrefix, func(nonce string, data []byte) error {
		d := &UploadDescriptor{}
		if err := json.Unmarshal(data, d); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptDescriptor, err)
		}

		out[nonce] = d

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// LoadDownloads returns all persisted download descriptors keyed by nonce.
func (s *SessionStore) LoadDownloads() (map[string]*DownloadDescriptor, error) {
	out := make(map[string]*DownloadDescriptor)

	err := s.loadAll(downloadDescPrefix, func(nonce string, data []byte) error {
		d := &DownloadDescriptor{}
		if err := json.Unmarshal(data, d); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptDescriptor, err)
		}

		out[nonce] = d

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// writeJSON marshals v and writes it atomically under name.
func (s *SessionStore) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor %s: %w", name, err)
	}

	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, descriptorFilePerms); err != nil {
		return fmt.Errorf("write descriptor %s: %w", name, err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit descriptor %s: %w", name, err)
	}

	return nil
}

// remove deletes a descriptor file, logging unexpected failures.
func (s *SessionStore) remove(name string) {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("could not remove session descriptor",
			slog.String("name", name), slog.String("error", err.Error()))
	}
}

// loadAll iterates descriptor files with the given prefix, calling decode
// for each. Corrupt descriptors are deleted and skipped.
func (s *SessionStore) loadAll(prefix string, decode func(nonce string, data []byte) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("read session dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}

		nonce := strings.TrimPrefix(e.Name(), prefix)

		data, readErr := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if readErr != nil {
			s.logger.Warn("could not read session descriptor",
				slog.String("name", e.Name()), slog.String("error", readErr.Error()))

			continue
		}

		if decodeErr := decode(nonce, data); decodeErr != nil {
			s.logger.Warn("discarding corrupt session descriptor",
				slog.String("name", e.Name()), slog.String("error", decodeErr.Error()))
			s.remove(e.Name())
		}
	}

	return nil
}
