package archive

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietbit/snapvault/internal/store"
)

func TestCompressPublishesVerifiableArtifact(t *testing.T) {
	st, err := store.Open(t.TempDir(), "appdb")
	require.NoError(t, err)

	raw := filepath.Join(t.TempDir(), "appdb.sql")
	payload := bytes.Repeat([]byte("INSERT INTO t VALUES (1, 'row');\n"), 200)
	require.NoError(t, os.WriteFile(raw, payload, 0o644))

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	a, err := Compress(st, raw, ".sql", at, 100)
	require.NoError(t, err)
	require.Equal(t, "appdb-2026-05-01T12-00-00Z.sql.gz", a.Name)
	require.Less(t, a.Size, int64(len(payload)))

	// checksum recorded at write time matches the bytes on disk
	onDisk, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	sum := sha256.Sum256(onDisk)
	require.Equal(t, hex.EncodeToString(sum[:]), a.Checksum)

	// artifact decompresses back to the raw dump
	gz, err := gzip.NewReader(bytes.NewReader(onDisk))
	require.NoError(t, err)
	restored, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, payload, restored)
}

func TestCompressRejectsImplausibleGrowth(t *testing.T) {
	st, err := store.Open(t.TempDir(), "appdb")
	require.NoError(t, err)

	// random bytes do not compress; gzip framing makes the output bigger
	raw := filepath.Join(t.TempDir(), "appdb.sql")
	payload := make([]byte, 1024)
	_, err = rand.Read(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(raw, payload, 0o644))

	_, err = Compress(st, raw, ".sql", time.Now(), 0)
	require.Error(t, err)

	var cerr *CompressionError
	require.ErrorAs(t, err, &cerr)

	arts, err := st.List()
	require.NoError(t, err)
	require.Empty(t, arts)
}

func TestCompressMissingRawDump(t *testing.T) {
	st, err := store.Open(t.TempDir(), "appdb")
	require.NoError(t, err)

	_, err = Compress(st, filepath.Join(t.TempDir(), "nope.sql"), ".sql", time.Now(), 100)
	var cerr *CompressionError
	require.ErrorAs(t, err, &cerr)
}

func TestExceedsTolerance(t *testing.T) {
	require.False(t, exceedsTolerance(100, 100, 0))
	require.True(t, exceedsTolerance(100, 101, 0))
	require.False(t, exceedsTolerance(100, 200, 100))
	require.True(t, exceedsTolerance(100, 201, 100))
}
