package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyRunning means another run holds the lock for this database. The
// caller must not touch the store.
var ErrAlreadyRunning = errors.New("a backup run is already in progress for this database")

const lockFileName = ".run.lock"

type lockInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type runLock struct {
	path string
}

// acquireLock takes the exclusive run lock in dir. A lock whose acquisition
// timestamp is older than staleAfter belongs to a dead run and is reclaimed
// with a warning.
func acquireLock(dir string, staleAfter time.Duration, log *zap.SugaredLogger) (*runLock, error) {
	path := filepath.Join(dir, lockFileName)

	for reclaimed := false; ; {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			host, _ := os.Hostname()
			info := lockInfo{PID: os.Getpid(), Hostname: host, AcquiredAt: time.Now().UTC()}
			encErr := json.NewEncoder(f).Encode(info)
			closeErr := f.Close()
			if encErr != nil || closeErr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write run lock: %w", errors.Join(encErr, closeErr))
			}
			return &runLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if reclaimed {
			// lost the race to whoever grabbed the lock after our reclaim
			return nil, ErrAlreadyRunning
		}

		holder, readErr := readLockInfo(path)
		if readErr != nil {
			// unreadable lock: judge staleness by file age
			info, statErr := os.Stat(path)
			if statErr != nil || time.Since(info.ModTime()) < staleAfter {
				return nil, ErrAlreadyRunning
			}
			holder = lockInfo{AcquiredAt: info.ModTime()}
		}

		if time.Since(holder.AcquiredAt) < staleAfter {
			return nil, ErrAlreadyRunning
		}

		log.Warnw("reclaiming stale run lock",
			"path", path,
			"held_by_pid", holder.PID,
			"held_since", holder.AcquiredAt,
			"stale_after", staleAfter.String(),
		)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reclaim stale run lock: %w", err)
		}
		reclaimed = true
	}
}

func readLockInfo(path string) (lockInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return lockInfo{}, err
	}
	var info lockInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return lockInfo{}, err
	}
	if info.AcquiredAt.IsZero() {
		return lockInfo{}, fmt.Errorf("lock file has no acquisition time")
	}
	return info, nil
}

func (l *runLock) release() {
	_ = os.Remove(l.path)
}
