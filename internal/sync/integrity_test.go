package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	return path
}

func TestVerifyFile_QuickXorMatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.txt", []byte("hello world"))

	hash, err := ComputeQuickXorHash(path)
	require.NoError(t, err)

	ic := NewIntegrityChecker(testLogger(t))

	verdict, err := ic.VerifyFile(path, hash, "")
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, verdict)
}

func TestVerifyFile_QuickXorMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.txt", []byte("hello world"))

	ic := NewIntegrityChecker(testLogger(t))

	verdict, err := ic.VerifyFile(path, "bm90LXRoZS1oYXNo", "")
	require.NoError(t, err)
	assert.Equal(t, VerifyMismatch, verdict)
}

func TestVerifyFile_SHA256Fallback(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.txt", []byte("hello world"))

	sha, err := ComputeSHA256Hash(path)
	require.NoError(t, err)

	ic := NewIntegrityChecker(testLogger(t))

	// No QuickXorHash supplied — SHA-256 decides.
	verdict, err := ic.VerifyFile(path, "", sha)
	require.NoError(t, err)
	assert.Equal(t, VerifyOK, verdict)
}

func TestVerifyFile_NoHashesSkips(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.one", []byte("onenote-ish"))

	ic := NewIntegrityChecker(testLogger(t))

	verdict, err := ic.VerifyFile(path, "", "")
	require.NoError(t, err)
	assert.Equal(t, VerifySkipped, verdict)
}

func TestVerifyFile_HeicMismatchIsKnownDataLoss(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "photo.heic", []byte("reencoded bytes"))

	ic := NewIntegrityChecker(testLogger(t))

	verdict, err := ic.VerifyFile(path, "b3JpZ2luYWwtaGFzaA==", "")
	require.NoError(t, err)
	assert.Equal(t, VerifyKnownDataLoss, verdict)
}

func TestSameMtime_SecondResolution(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, SameMtime(base, base.Add(500*time.Millisecond)))
	assert.False(t, SameMtime(base, base.Add(time.Second)))

	// Zone differences are irrelevant: both normalize to UTC.
	est := time.FixedZone("EST", -5*3600)
	assert.True(t, SameMtime(base, base.In(est)))
}

func TestSameMtimeNano(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).UnixNano()

	assert.True(t, SameMtimeNano(base, base+int64(999*time.Millisecond)))
	assert.False(t, SameMtimeNano(base, base+int64(time.Second)))
}

func TestCaseCollides(t *testing.T) {
	assert.True(t, CaseCollides("report.txt", "Report.txt"))
	assert.False(t, CaseCollides("report.txt", "report.txt"))
	assert.False(t, CaseCollides("report.txt", "summary.txt"))
}

func TestSameSize(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "a.txt", []byte("12345"))

	same, err := SameSize(path, 5)
	require.NoError(t, err)
	assert.True(t, same)

	same, err = SameSize(path, 6)
	require.NoError(t, err)
	assert.False(t, same)
}
