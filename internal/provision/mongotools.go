// Package provision installs the MongoDB database tools on hosts that do not
// already have them. The install is lazy, checksum-verified and serialized
// under its own lock so concurrent triggers cannot race two installs.
package provision

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Error wraps any failure to install a capture tool. Kept distinct from
// capture failures so operators can tell a broken download from a broken
// database.
type Error struct {
	Tool string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning %s failed: %v", e.Tool, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	// Default download for linux x86_64; overridable for other platforms.
	DefaultToolsURL = "https://fastdl.mongodb.org/tools/db/mongodb-database-tools-ubuntu2204-x86_64-100.10.0.tgz"

	toolsSubdir  = "mongodb-tools"
	lockFileName = ".provision.lock"
)

type Manager struct {
	cacheDir string
	url      string
	// sha256Sum is the expected hex digest of the downloaded archive.
	// Downloads are refused without one.
	sha256Sum string
	client    *http.Client
	log       *zap.SugaredLogger
}

type Option func(*Manager)

func WithURL(url, sha256Sum string) Option {
	return func(m *Manager) {
		if url != "" {
			m.url = url
		}
		m.sha256Sum = sha256Sum
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

func NewManager(cacheDir string, log *zap.SugaredLogger, opts ...Option) *Manager {
	m := &Manager{
		cacheDir: cacheDir,
		url:      DefaultToolsURL,
		client:   &http.Client{Timeout: 10 * time.Minute},
		log:      log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureMongodump returns a runnable mongodump path, installing the tools
// into the cache directory if neither PATH nor the cache has them.
func (m *Manager) EnsureMongodump(ctx context.Context) (string, error) {
	if path, err := exec.LookPath("mongodump"); err == nil {
		return path, nil
	}

	cached := filepath.Join(m.cacheDir, toolsSubdir, "bin", "mongodump")
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}

	// From here on we would install from the network; never without a
	// pinned digest to check the download against.
	if m.sha256Sum == "" {
		return "", &Error{Tool: "mongodump", Err: fmt.Errorf("refusing to download tools without a pinned sha256 (set run.tools_sha256)")}
	}

	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return "", &Error{Tool: "mongodump", Err: fmt.Errorf("create cache directory: %w", err)}
	}

	unlock, err := m.acquireLock()
	if err != nil {
		return "", &Error{Tool: "mongodump", Err: err}
	}
	defer unlock()

	// Another process may have finished the install while we waited.
	if _, err := os.Stat(cached); err == nil {
		return cached, nil
	}

	m.log.Infow("mongodump not found, installing MongoDB database tools",
		"url", m.url,
		"cache_dir", m.cacheDir,
	)

	archivePath, err := m.download(ctx)
	if err != nil {
		return "", &Error{Tool: "mongodump", Err: err}
	}
	defer os.Remove(archivePath)

	if err := verifyChecksum(archivePath, m.sha256Sum); err != nil {
		return "", &Error{Tool: "mongodump", Err: err}
	}

	if err := m.extract(archivePath); err != nil {
		return "", &Error{Tool: "mongodump", Err: err}
	}

	if _, err := os.Stat(cached); err != nil {
		return "", &Error{Tool: "mongodump", Err: fmt.Errorf("archive did not contain bin/mongodump")}
	}

	m.log.Infow("MongoDB database tools installed", "path", cached)
	return cached, nil
}

// acquireLock serializes installs across processes. The lock is best-effort
// short-lived; anything older than ten minutes is a crashed installer.
func (m *Manager) acquireLock() (func(), error) {
	lockPath := filepath.Join(m.cacheDir, lockFileName)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire provision lock: %w", err)
		}

		info, statErr := os.Stat(lockPath)
		if statErr == nil && time.Since(info.ModTime()) > 10*time.Minute {
			m.log.Warnw("removing stale provision lock", "path", lockPath, "age", time.Since(info.ModTime()).String())
			_ = os.Remove(lockPath)
			continue
		}
		return nil, fmt.Errorf("another install is in progress (lock %s held)", lockPath)
	}
}

func (m *Manager) download(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download tools: unexpected status %s", resp.Status)
	}

	out, err := os.CreateTemp(m.cacheDir, "tools-*.tgz")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("write download: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("close download: %w", err)
	}
	return out.Name(), nil
}

func verifyChecksum(path, wantHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive for verification: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, wantHex) {
		return fmt.Errorf("archive checksum mismatch: got %s want %s", got, wantHex)
	}
	return nil
}

// extract unpacks bin/* entries from the tools tarball into
// <cache>/mongodb-tools/bin, flattening the versioned top-level directory.
func (m *Manager) extract(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	binDir := filepath.Join(m.cacheDir, toolsSubdir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("create tools directory: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		// entries look like mongodb-database-tools-<platform>-<ver>/bin/<tool>
		name := filepath.Base(hdr.Name)
		if !strings.Contains(hdr.Name, "/bin/") || strings.Contains(name, "..") {
			continue
		}

		dst := filepath.Join(binDir, name)
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			os.Remove(dst)
			return fmt.Errorf("extract %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
	}

	return nil
}
