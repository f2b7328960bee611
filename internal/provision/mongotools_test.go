package provision

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietbit/snapvault/internal/logging"
)

// toolsArchive builds a minimal tools tarball the way the real one is laid
// out, with a versioned top-level directory.
func toolsArchive(t *testing.T) ([]byte, string) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	files := map[string]string{
		"mongodb-database-tools-test-100.10.0/README":         "docs",
		"mongodb-database-tools-test-100.10.0/bin/mongodump":  "#!/bin/sh\necho dump\n",
		"mongodb-database-tools-test-100.10.0/bin/mongostore": "#!/bin/sh\necho restore\n",
	}
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o755,
			Size:     int64(len(body)),
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

// hideSystemTools empties PATH so a mongodump on the host cannot satisfy the
// lookup and skip the install.
func hideSystemTools(t *testing.T) {
	t.Helper()
	t.Setenv("PATH", t.TempDir())
}

func TestEnsureMongodumpInstallsFromArchive(t *testing.T) {
	hideSystemTools(t)

	archive, sum := toolsArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	cache := t.TempDir()
	m := NewManager(cache, logging.Nop(), WithURL(srv.URL, sum))

	path, err := m.EnsureMongodump(t.Context())
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cache, "mongodb-tools", "bin", "mongodump"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	// second call hits the cache, no download
	srv.Close()
	again, err := m.EnsureMongodump(t.Context())
	require.NoError(t, err)
	require.Equal(t, path, again)
}

func TestEnsureMongodumpChecksumMismatch(t *testing.T) {
	hideSystemTools(t)

	archive, _ := toolsArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	cache := t.TempDir()
	m := NewManager(cache, logging.Nop(), WithURL(srv.URL, "deadbeef"))

	_, err := m.EnsureMongodump(t.Context())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "mongodump", perr.Tool)
	require.Contains(t, err.Error(), "checksum mismatch")

	// a rejected archive must not leave an installed binary behind
	_, err = os.Stat(filepath.Join(cache, "mongodb-tools", "bin", "mongodump"))
	require.True(t, os.IsNotExist(err))
}

func TestEnsureMongodumpDownloadFailure(t *testing.T) {
	hideSystemTools(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	m := NewManager(t.TempDir(), logging.Nop(), WithURL(srv.URL, "deadbeef"))

	_, err := m.EnsureMongodump(t.Context())
	var perr *Error
	require.ErrorAs(t, err, &perr)
}

func TestEnsureMongodumpRefusesUnpinnedDownload(t *testing.T) {
	hideSystemTools(t)

	downloads := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads++
	}))
	defer srv.Close()

	// a manager with a URL but no digest must not install anything
	cache := t.TempDir()
	m := NewManager(cache, logging.Nop(), WithURL(srv.URL, ""))

	_, err := m.EnsureMongodump(t.Context())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Contains(t, err.Error(), "pinned sha256")
	require.Zero(t, downloads)

	_, err = os.Stat(filepath.Join(cache, "mongodb-tools", "bin", "mongodump"))
	require.True(t, os.IsNotExist(err))
}

func TestEnsureMongodumpArchiveWithoutBinary(t *testing.T) {
	hideSystemTools(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "mongodb-database-tools-test/README", Typeflag: tar.TypeReg, Size: 4, Mode: 0o644,
	}))
	_, err := tw.Write([]byte("docs"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	sum := sha256.Sum256(buf.Bytes())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	m := NewManager(t.TempDir(), logging.Nop(), WithURL(srv.URL, hex.EncodeToString(sum[:])))

	_, err = m.EnsureMongodump(t.Context())
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not contain bin/mongodump")
}

func TestProvisionLockContention(t *testing.T) {
	cache := t.TempDir()
	m := NewManager(cache, logging.Nop())

	unlock, err := m.acquireLock()
	require.NoError(t, err)

	_, err = m.acquireLock()
	require.Error(t, err)
	require.Contains(t, err.Error(), "install is in progress")

	unlock()
	unlock2, err := m.acquireLock()
	require.NoError(t, err)
	unlock2()
}

func TestProvisionLockStaleReclaim(t *testing.T) {
	cache := t.TempDir()
	lockPath := filepath.Join(cache, ".provision.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("1\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	m := NewManager(cache, logging.Nop())
	unlock, err := m.acquireLock()
	require.NoError(t, err)
	unlock()
}
