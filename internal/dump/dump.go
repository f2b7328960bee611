// Package dump captures raw database dumps by driving each engine's native
// dump utility as a subprocess.
package dump

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/quietbit/snapvault/internal/config"
)

// RawDump is an unverified dump written to a staging file. It never lives in
// the artifact store; compression publishes the real artifact.
type RawDump struct {
	Path string
	Size int64
	// Ext is the natural extension for this engine's dump format.
	Ext string
}

// Dumper captures one engine's dump into the staging directory.
type Dumper interface {
	Engine() string
	Dump(ctx context.Context, stagingDir string) (RawDump, error)
}

// CaptureError means the dump process failed or produced output that cannot
// be a valid dump. It is fatal to a run.
type CaptureError struct {
	Engine string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s capture failed: %v", e.Engine, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Provisioner installs a dump utility on demand; see the provision package.
type Provisioner interface {
	EnsureMongodump(ctx context.Context) (string, error)
}

// New selects the adapter for the configured engine.
func New(cfg config.DatabaseConfig, prov Provisioner, log *zap.SugaredLogger) (Dumper, error) {
	switch cfg.Engine {
	case "mysql":
		return &mysqlDumper{cfg: cfg, log: log}, nil
	case "mongodb":
		return &mongoDumper{cfg: cfg, prov: prov, log: log}, nil
	case "postgres":
		return &postgresDumper{cfg: cfg, log: log}, nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", cfg.Engine)
	}
}

// checkDumpFile runs the cheap structural checks shared by all adapters:
// the file must exist, be non-empty, and start with the engine's header.
func checkDumpFile(engine, path string, sniff func([]byte) error) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, &CaptureError{Engine: engine, Err: fmt.Errorf("stat dump: %w", err)}
	}
	if info.Size() == 0 {
		return 0, &CaptureError{Engine: engine, Err: fmt.Errorf("dump is empty")}
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, &CaptureError{Engine: engine, Err: fmt.Errorf("open dump: %w", err)}
	}
	defer f.Close()

	header := make([]byte, 64)
	n, _ := f.Read(header)
	if err := sniff(header[:n]); err != nil {
		return 0, &CaptureError{Engine: engine, Err: err}
	}

	return info.Size(), nil
}

// trimStderr keeps subprocess stderr short enough to embed in an error.
func trimStderr(buf *bytes.Buffer) string {
	s := buf.String()
	const max = 512
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
