package dump

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/quietbit/snapvault/internal/config"
)

type postgresDumper struct {
	cfg config.DatabaseConfig
	log *zap.SugaredLogger
}

func (d *postgresDumper) Engine() string { return "postgres" }

// Dump streams a pg_dump custom-format archive into a staging file.
func (d *postgresDumper) Dump(ctx context.Context, stagingDir string) (RawDump, error) {
	conn := d.cfg.Connection

	out, err := os.CreateTemp(stagingDir, d.cfg.Name+"-*.dump")
	if err != nil {
		return RawDump{}, &CaptureError{Engine: "postgres", Err: fmt.Errorf("create staging file: %w", err)}
	}

	args := []string{
		"--host", conn.Host,
		"--port", strconv.Itoa(conn.Port),
		"--dbname", d.cfg.Name,
		"--username", conn.User,
		"--format=custom",
	}

	cmd := exec.CommandContext(ctx, "pg_dump", args...)
	// pg_dump reads the password from the environment variable if provided.
	cmd.Env = append(os.Environ(), "PGPASSWORD="+conn.Password)
	cmd.Stdout = out

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	d.log.Infow("capture started", "engine", "postgres", "database", d.cfg.Name, "staging", out.Name())
	started := time.Now()

	runErr := cmd.Run()
	closeErr := out.Close()

	if runErr != nil {
		_ = os.Remove(out.Name())
		return RawDump{}, &CaptureError{
			Engine: "postgres",
			Err:    fmt.Errorf("pg_dump: %w: %s", runErr, trimStderr(&stderr)),
		}
	}
	if closeErr != nil {
		_ = os.Remove(out.Name())
		return RawDump{}, &CaptureError{Engine: "postgres", Err: fmt.Errorf("close staging file: %w", closeErr)}
	}

	size, err := checkDumpFile("postgres", out.Name(), sniffPGDump)
	if err != nil {
		_ = os.Remove(out.Name())
		return RawDump{}, err
	}

	d.log.Infow("capture completed",
		"engine", "postgres",
		"database", d.cfg.Name,
		"bytes", size,
		"duration", time.Since(started).String(),
	)
	return RawDump{Path: out.Name(), Size: size, Ext: ".dump"}, nil
}

// Custom-format archives start with the PGDMP magic.
func sniffPGDump(header []byte) error {
	if !bytes.HasPrefix(header, []byte("PGDMP")) {
		return fmt.Errorf("output does not look like a pg_dump custom-format archive")
	}
	return nil
}
