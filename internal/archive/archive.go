// Package archive turns a raw dump into a published, checksummed artifact.
package archive

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/quietbit/snapvault/internal/store"
)

// CompressionError is fatal to a run: either the compressor itself broke or
// the output size is implausible for a valid dump.
type CompressionError struct {
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compression failed: %v", e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }

// Compress gzips the raw dump at rawPath into a new artifact named after the
// store's database and the given timestamp. ext is the raw dump's extension
// (".sql", ".dump", ".archive"); the artifact gets ext + ".gz".
//
// tolerancePct bounds growth: a compressed artifact larger than
// raw * (1 + tolerancePct/100) is rejected and nothing is published.
func Compress(st *store.Store, rawPath, ext string, at time.Time, tolerancePct int) (store.Artifact, error) {
	in, err := os.Open(rawPath)
	if err != nil {
		return store.Artifact{}, &CompressionError{Err: fmt.Errorf("open raw dump: %w", err)}
	}
	defer in.Close()

	rawInfo, err := in.Stat()
	if err != nil {
		return store.Artifact{}, &CompressionError{Err: fmt.Errorf("stat raw dump: %w", err)}
	}

	w, err := st.Create(st.ArtifactName(at, ext+".gz"))
	if err != nil {
		return store.Artifact{}, &CompressionError{Err: err}
	}

	gz := gzip.NewWriter(w)
	if _, err := io.Copy(gz, in); err != nil {
		w.Abort()
		return store.Artifact{}, &CompressionError{Err: fmt.Errorf("compress dump: %w", err)}
	}
	// gzip flushes trailing data on Close.
	if err := gz.Close(); err != nil {
		w.Abort()
		return store.Artifact{}, &CompressionError{Err: fmt.Errorf("finalize gzip stream: %w", err)}
	}

	if exceedsTolerance(rawInfo.Size(), w.Size(), tolerancePct) {
		w.Abort()
		return store.Artifact{}, &CompressionError{
			Err: fmt.Errorf("compressed size %d exceeds raw size %d by more than %d%%",
				w.Size(), rawInfo.Size(), tolerancePct),
		}
	}

	artifact, err := w.Close()
	if err != nil {
		return store.Artifact{}, &CompressionError{Err: err}
	}
	return artifact, nil
}

func exceedsTolerance(rawSize, compressedSize int64, tolerancePct int) bool {
	limit := rawSize + rawSize*int64(tolerancePct)/100
	return compressedSize > limit
}
