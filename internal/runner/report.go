package runner

import (
	"time"

	"github.com/quietbit/snapvault/internal/store"
)

// Stage names, in pipeline order.
const (
	StageCapture  = "capturing"
	StageCompress = "compressing"
	StagePrune    = "pruning"
	StageDeliver  = "delivering"
	StageNotify   = "notifying"
)

// Terminal run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial_failure"
	StatusFailed    = "failed"
)

// StageResult records one pipeline stage's outcome.
type StageResult struct {
	Stage    string
	Duration time.Duration
	Err      error
}

// Report is the full account of one backup run. It is discarded after
// notification; history lives in logs and the artifact store.
type Report struct {
	RunID      string
	Database   string
	Engine     string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Stages     []StageResult
	Artifact   *store.Artifact
	Delivered  string
}

func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Errs returns the recorded stage errors in pipeline order.
func (r *Report) Errs() []error {
	var out []error
	for _, s := range r.Stages {
		if s.Err != nil {
			out = append(out, s.Err)
		}
	}
	return out
}

// ExitCode maps the terminal status onto the process exit code contract:
// 0 succeeded, 1 failed, partialCode for partial failures.
func (r *Report) ExitCode(partialCode int) int {
	switch r.Status {
	case StatusSucceeded:
		return 0
	case StatusPartial:
		return partialCode
	default:
		return 1
	}
}

func (r *Report) record(stage string, started time.Time, err error) {
	r.Stages = append(r.Stages, StageResult{
		Stage:    stage,
		Duration: time.Since(started),
		Err:      err,
	})
}
