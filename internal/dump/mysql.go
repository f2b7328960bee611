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

type mysqlDumper struct {
	cfg config.DatabaseConfig
	log *zap.SugaredLogger
}

func (d *mysqlDumper) Engine() string { return "mysql" }

// Dump streams a mysqldump of the configured database into a staging file.
func (d *mysqlDumper) Dump(ctx context.Context, stagingDir string) (RawDump, error) {
	conn := d.cfg.Connection

	out, err := os.CreateTemp(stagingDir, d.cfg.Name+"-*.sql")
	if err != nil {
		return RawDump{}, &CaptureError{Engine: "mysql", Err: fmt.Errorf("create staging file: %w", err)}
	}

	args := []string{
		"--host", conn.Host,
		"--port", strconv.Itoa(conn.Port),
		"--user", conn.User,
		"--single-transaction",
		d.cfg.Name,
	}

	cmd := exec.CommandContext(ctx, "mysqldump", args...)
	// mysqldump reads the password from the environment instead of argv so
	// it never shows up in process listings.
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+conn.Password)
	cmd.Stdout = out

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	d.log.Infow("capture started", "engine", "mysql", "database", d.cfg.Name, "staging", out.Name())
	started := time.Now()

	runErr := cmd.Run()
	closeErr := out.Close()

	if runErr != nil {
		_ = os.Remove(out.Name())
		return RawDump{}, &CaptureError{
			Engine: "mysql",
			Err:    fmt.Errorf("mysqldump: %w: %s", runErr, trimStderr(&stderr)),
		}
	}
	if closeErr != nil {
		_ = os.Remove(out.Name())
		return RawDump{}, &CaptureError{Engine: "mysql", Err: fmt.Errorf("close staging file: %w", closeErr)}
	}

	size, err := checkDumpFile("mysql", out.Name(), sniffMySQL)
	if err != nil {
		_ = os.Remove(out.Name())
		return RawDump{}, err
	}

	d.log.Infow("capture completed",
		"engine", "mysql",
		"database", d.cfg.Name,
		"bytes", size,
		"duration", time.Since(started).String(),
	)
	return RawDump{Path: out.Name(), Size: size, Ext: ".sql"}, nil
}

// mysqldump output opens with a comment banner; a truncated or garbage file
// will not.
func sniffMySQL(header []byte) error {
	if !bytes.HasPrefix(header, []byte("-- MySQL dump")) && !bytes.HasPrefix(header, []byte("/*")) {
		return fmt.Errorf("output does not look like a mysqldump file")
	}
	return nil
}
