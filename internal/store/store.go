// Package store owns the local directory of backup artifacts. Artifacts are
// only ever published through the atomic writer below; a half-written file is
// a .tmp that listing ignores and a crashed run leaves behind harmlessly.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// TimestampFormat is the filesystem-safe ISO-8601 layout used in artifact
// names. Colons are replaced with dashes so names survive on every platform.
const TimestampFormat = "2006-01-02T15-04-05Z"

const (
	checksumSuffix = ".sha256"
	tmpSuffix      = ".tmp"
)

// Artifact is one published backup file plus its metadata.
type Artifact struct {
	Path      string
	Name      string
	Size      int64
	Checksum  string
	CreatedAt time.Time
	Database  string
}

// Store manages artifacts for a single database under <base>/<db>.
type Store struct {
	dir string
	db  string
}

func Open(base, db string) (*Store, error) {
	dir := filepath.Join(base, db)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %q: %w", dir, err)
	}
	return &Store{dir: dir, db: db}, nil
}

func (s *Store) Dir() string      { return s.dir }
func (s *Store) Database() string { return s.db }

// ArtifactName builds the deterministic artifact file name for this store's
// database: <db>-<timestamp><ext>.
func (s *Store) ArtifactName(t time.Time, ext string) string {
	return fmt.Sprintf("%s-%s%s", s.db, t.UTC().Format(TimestampFormat), ext)
}

// Create opens an atomic writer for a new artifact. Bytes land in a .tmp
// file; Close publishes the artifact and its checksum sidecar in one rename,
// Abort discards everything.
func (s *Store) Create(name string) (*Writer, error) {
	finalPath := filepath.Join(s.dir, name)
	tmpPath := finalPath + tmpSuffix

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp artifact: %w", err)
	}

	return &Writer{
		f:         f,
		h:         sha256.New(),
		tmpPath:   tmpPath,
		finalPath: finalPath,
		db:        s.db,
	}, nil
}

type Writer struct {
	f         *os.File
	h         hash.Hash
	tmpPath   string
	finalPath string
	db        string
	size      int64
	closed    bool
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if n > 0 {
		w.h.Write(p[:n])
		w.size += int64(n)
	}
	return n, err
}

func (w *Writer) Size() int64 { return w.size }

// Close publishes the artifact. The checksum sidecar is written before the
// rename so a published artifact always has a verifiable checksum.
func (w *Writer) Close() (Artifact, error) {
	if w.closed {
		return Artifact{}, fmt.Errorf("artifact writer already closed")
	}
	w.closed = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return Artifact{}, fmt.Errorf("sync artifact: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return Artifact{}, fmt.Errorf("close artifact: %w", err)
	}

	sum := hex.EncodeToString(w.h.Sum(nil))
	if err := os.WriteFile(w.finalPath+checksumSuffix, []byte(sum+"\n"), 0o644); err != nil {
		_ = os.Remove(w.tmpPath)
		return Artifact{}, fmt.Errorf("write checksum sidecar: %w", err)
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		_ = os.Remove(w.tmpPath)
		_ = os.Remove(w.finalPath + checksumSuffix)
		return Artifact{}, fmt.Errorf("publish artifact: %w", err)
	}

	created, _ := parseArtifactTime(w.db, filepath.Base(w.finalPath))

	return Artifact{
		Path:      w.finalPath,
		Name:      filepath.Base(w.finalPath),
		Size:      w.size,
		Checksum:  sum,
		CreatedAt: created,
		Database:  w.db,
	}, nil
}

// Abort removes the temp file. Safe to call after Close.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	_ = w.f.Close()
	_ = os.Remove(w.tmpPath)
}

// List returns all published artifacts, newest first. Sidecars, temp files
// and anything not matching this database's naming scheme are skipped.
func (s *Store) List() ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list store: %w", err)
	}

	out := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, tmpSuffix) ||
			strings.HasSuffix(name, checksumSuffix) ||
			strings.HasPrefix(name, ".") {
			continue
		}

		created, ok := parseArtifactTime(s.db, name)
		if !ok {
			continue
		}

		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}

		out = append(out, Artifact{
			Path:      filepath.Join(s.dir, name),
			Name:      name,
			Size:      info.Size(),
			Checksum:  s.readChecksum(name),
			CreatedAt: created,
			Database:  s.db,
		})
	}

	// newest first
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Remove deletes an artifact and its checksum sidecar. Missing files are not
// an error: the goal state is "gone".
func (s *Store) Remove(a Artifact) error {
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", a.Name, err)
	}
	if err := os.Remove(a.Path + checksumSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s sidecar: %w", a.Name, err)
	}
	return nil
}

func (s *Store) readChecksum(name string) string {
	b, err := os.ReadFile(filepath.Join(s.dir, name+checksumSuffix))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// parseArtifactTime extracts the creation timestamp from
// <db>-<timestamp><ext>. Foreign files fail the parse and are ignored.
func parseArtifactTime(db, name string) (time.Time, bool) {
	prefix := db + "-"
	if !strings.HasPrefix(name, prefix) {
		return time.Time{}, false
	}
	rest := strings.TrimPrefix(name, prefix)
	if len(rest) < len(TimestampFormat) {
		return time.Time{}, false
	}
	t, err := time.Parse(TimestampFormat, rest[:len(TimestampFormat)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
