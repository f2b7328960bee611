package dump

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/quietbit/snapvault/internal/config"
)

// mongodump archive files open with this little-endian magic number.
var mongoArchiveMagic = []byte{0x6d, 0xe2, 0x99, 0x81}

type mongoDumper struct {
	cfg  config.DatabaseConfig
	prov Provisioner
	log  *zap.SugaredLogger
}

func (d *mongoDumper) Engine() string { return "mongodb" }

// Dump captures a mongodump archive into a staging file, provisioning the
// mongodump binary first if it is not installed. Provisioning failures keep
// their own error type and are not reported as capture failures.
func (d *mongoDumper) Dump(ctx context.Context, stagingDir string) (RawDump, error) {
	binary := "mongodump"
	if d.prov != nil {
		path, err := d.prov.EnsureMongodump(ctx)
		if err != nil {
			return RawDump{}, err
		}
		binary = path
	}

	out, err := os.CreateTemp(stagingDir, d.cfg.Name+"-*.archive")
	if err != nil {
		return RawDump{}, &CaptureError{Engine: "mongodb", Err: fmt.Errorf("create staging file: %w", err)}
	}
	outPath := out.Name()
	// mongodump writes the archive itself.
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return RawDump{}, &CaptureError{Engine: "mongodb", Err: fmt.Errorf("close staging file: %w", err)}
	}

	args := d.args(outPath)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = io.Discard

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	d.log.Infow("capture started", "engine", "mongodb", "database", d.cfg.Name, "staging", outPath)
	started := time.Now()

	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		return RawDump{}, &CaptureError{
			Engine: "mongodb",
			Err:    fmt.Errorf("mongodump: %w: %s", err, trimStderr(&stderr)),
		}
	}

	size, err := checkDumpFile("mongodb", outPath, sniffMongoArchive)
	if err != nil {
		_ = os.Remove(outPath)
		return RawDump{}, err
	}

	d.log.Infow("capture completed",
		"engine", "mongodb",
		"database", d.cfg.Name,
		"bytes", size,
		"duration", time.Since(started).String(),
	)
	return RawDump{Path: outPath, Size: size, Ext: ".archive"}, nil
}

func (d *mongoDumper) args(outPath string) []string {
	if d.cfg.ConnectionString != "" {
		return []string{
			"--uri=" + d.cfg.ConnectionString,
			"--db=" + d.cfg.Name,
			"--archive=" + outPath,
			"--quiet",
		}
	}

	conn := d.cfg.Connection
	return []string{
		"--host=" + conn.Host,
		"--port=" + strconv.Itoa(conn.Port),
		"--username=" + conn.User,
		"--password=" + conn.Password,
		"--authenticationDatabase=admin",
		"--db=" + d.cfg.Name,
		"--archive=" + outPath,
		"--quiet",
	}
}

func sniffMongoArchive(header []byte) error {
	if !bytes.HasPrefix(header, mongoArchiveMagic) {
		return fmt.Errorf("output does not look like a mongodump archive")
	}
	return nil
}
