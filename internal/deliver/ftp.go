package deliver

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/quietbit/snapvault/internal/config"
	"github.com/quietbit/snapvault/internal/store"
)

type ftpTarget struct {
	cfg *config.FTPConfig
}

func newFTPTarget(cfg *config.FTPConfig) (*ftpTarget, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ftp: config missing")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("ftp: host is required")
	}
	return &ftpTarget{cfg: cfg}, nil
}

func (t *ftpTarget) Name() string { return "ftp://" + t.cfg.Host }

// Upload stores the artifact under a temporary name and renames it into
// place, so the remote directory only ever lists complete artifacts.
func (t *ftpTarget) Upload(ctx context.Context, a store.Artifact) (string, error) {
	port := t.cfg.Port
	if port == 0 {
		port = 21
	}
	addr := t.cfg.Host + ":" + strconv.Itoa(port)

	// The dial func serves both control and data connections; a deadline
	// from ctx bounds the whole transfer, not just connection setup.
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := ftp.Dial(addr, ftp.DialWithDialFunc(func(network, address string) (net.Conn, error) {
		c, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = c.SetDeadline(deadline)
		}
		return c, nil
	}))
	if err != nil {
		return "", fmt.Errorf("ftp dial %s: %w", addr, err)
	}
	defer conn.Quit()

	if err := conn.Login(t.cfg.User, t.cfg.Password); err != nil {
		return "", fmt.Errorf("ftp login: %w", err)
	}

	dir := t.cfg.Directory
	if dir != "" {
		// MakeDir fails if the directory exists; ChangeDir is the real check.
		_ = conn.MakeDir(dir)
		if err := conn.ChangeDir(dir); err != nil {
			return "", fmt.Errorf("ftp chdir %s: %w", dir, err)
		}
	}

	f, err := os.Open(a.Path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	tmpName := a.Name + ".part"
	if err := conn.Stor(tmpName, f); err != nil {
		// Discard the partial transfer; the next attempt starts over.
		_ = conn.Delete(tmpName)
		return "", fmt.Errorf("ftp store: %w", err)
	}

	if err := conn.Rename(tmpName, a.Name); err != nil {
		_ = conn.Delete(tmpName)
		return "", fmt.Errorf("ftp publish: %w", err)
	}

	return "ftp://" + t.cfg.Host + path.Join("/", dir, a.Name), nil
}
