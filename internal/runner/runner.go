// Package runner coordinates one backup run: capture, compress, prune,
// deliver, notify, under an exclusive per-database lock.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quietbit/snapvault/internal/archive"
	"github.com/quietbit/snapvault/internal/config"
	"github.com/quietbit/snapvault/internal/deliver"
	"github.com/quietbit/snapvault/internal/dump"
	"github.com/quietbit/snapvault/internal/notify"
	"github.com/quietbit/snapvault/internal/provision"
	"github.com/quietbit/snapvault/internal/retention"
	"github.com/quietbit/snapvault/internal/secrets"
	"github.com/quietbit/snapvault/internal/store"
)

type Runner struct {
	cfg *config.Config
	log *zap.SugaredLogger

	dumper     dump.Dumper
	target     deliver.Target
	dispatcher *notify.Dispatcher
	pace       backoff.BackOff
	now        func() time.Time
}

// New wires a runner from config. Vault-backed credentials are resolved
// here, before any stage runs, so a broken secret store fails fast.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*Runner, error) {
	if cfg.Vault != nil && cfg.Database.Connection.User == "" {
		creds, err := secrets.Lookup(ctx, cfg.Vault)
		if err != nil {
			return nil, fmt.Errorf("resolve database credentials: %w", err)
		}
		cfg.Database.Connection.User = creds.Username
		cfg.Database.Connection.Password = creds.Password
	}

	var prov dump.Provisioner
	if cfg.Database.Engine == "mongodb" {
		prov = provision.NewManager(cfg.Run.ToolCacheDir, log,
			provision.WithURL(cfg.Run.ToolsURL, cfg.Run.ToolsSHA256))
	}

	dumper, err := dump.New(cfg.Database, prov, log)
	if err != nil {
		return nil, err
	}

	target, err := deliver.FromConfig(cfg.Delivery)
	if err != nil {
		return nil, err
	}

	dispatcher, err := notify.NewDispatcher(cfg.Notifications, cfg.Run.NotifyTimeout)
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:        cfg,
		log:        log,
		dumper:     dumper,
		target:     target,
		dispatcher: dispatcher,
		pace:       deliver.NewBackoff(),
		now:        time.Now,
	}, nil
}

// Run executes one backup run to its terminal status. ErrAlreadyRunning is
// returned without touching the store; every other outcome yields a report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	st, err := store.Open(r.cfg.Store.Directory, r.cfg.Database.Name)
	if err != nil {
		return nil, err
	}

	lock, err := acquireLock(st.Dir(), r.cfg.Run.LockStaleAfter, r.log)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	report := &Report{
		RunID:     uuid.NewString(),
		Database:  r.cfg.Database.Name,
		Engine:    r.cfg.Database.Engine,
		StartedAt: r.now().UTC(),
	}
	r.log.Infow("run started",
		"run_id", report.RunID,
		"database", report.Database,
		"engine", report.Engine,
	)

	// Staging holds raw dumps; a crash leaves at worst a dot-directory the
	// store never lists as an artifact.
	staging, err := os.MkdirTemp(st.Dir(), ".staging-")
	if err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	// capturing
	stageStart := r.now()
	raw, err := r.capture(ctx, staging)
	report.record(StageCapture, stageStart, err)
	if err != nil {
		return r.finish(ctx, report, StatusFailed), nil
	}
	defer os.Remove(raw.Path)

	// compressing
	r.log.Infow("compressing raw dump",
		"run_id", report.RunID,
		"database", report.Database,
		"bytes", raw.Size,
	)
	stageStart = r.now()
	artifact, err := archive.Compress(st, raw.Path, raw.Ext, report.StartedAt, r.cfg.Run.CompressionTolerancePct)
	report.record(StageCompress, stageStart, err)
	if err != nil {
		return r.finish(ctx, report, StatusFailed), nil
	}
	report.Artifact = &artifact
	r.log.Infow("artifact published",
		"run_id", report.RunID,
		"artifact", artifact.Name,
		"bytes", artifact.Size,
		"checksum", artifact.Checksum,
	)

	// pruning: never fatal, errors accumulate into the report
	stageStart = r.now()
	pruneReport := retention.Prune(st, r.cfg.Retention, artifact.Path, r.now(), r.log)
	report.record(StagePrune, stageStart, pruneReport.Err())
	r.log.Infow("prune finished",
		"run_id", report.RunID,
		"examined", pruneReport.Examined,
		"deleted", pruneReport.Deleted,
		"kept", pruneReport.Kept,
		"errors", len(pruneReport.Errors),
	)

	// delivering: optional, retried, never fatal
	if r.target != nil {
		stageStart = r.now()
		location, err := r.deliver(ctx, artifact)
		report.record(StageDeliver, stageStart, err)
		report.Delivered = location
	}

	status := StatusSucceeded
	if len(report.Errs()) > 0 {
		status = StatusPartial
	}
	return r.finish(ctx, report, status), nil
}

func (r *Runner) capture(ctx context.Context, staging string) (dump.RawDump, error) {
	captureCtx, cancel := context.WithTimeout(ctx, r.cfg.Run.CaptureTimeout)
	defer cancel()
	return r.dumper.Dump(captureCtx, staging)
}

func (r *Runner) deliver(ctx context.Context, artifact store.Artifact) (string, error) {
	deliverCtx, cancel := context.WithTimeout(ctx, r.cfg.Run.DeliveryTimeout)
	defer cancel()
	return deliver.Deliver(deliverCtx, r.target, artifact, r.cfg.Delivery.Attempts, r.pace, r.log)
}

// finish stamps the terminal status, notifies, and logs the summary.
// Notification always runs and can never change the status.
func (r *Runner) finish(ctx context.Context, report *Report, status string) *Report {
	report.Status = status
	report.FinishedAt = r.now().UTC()

	stageStart := r.now()
	err := r.notify(ctx, report)
	report.record(StageNotify, stageStart, nil)
	if err != nil {
		r.log.Warnw("notification failed",
			"run_id", report.RunID,
			"error", err.Error(),
		)
	}

	errs := make([]string, 0)
	for _, e := range report.Errs() {
		errs = append(errs, e.Error())
	}
	artifactPath := ""
	if report.Artifact != nil {
		artifactPath = report.Artifact.Path
	}
	r.log.Infow("run finished",
		"run_id", report.RunID,
		"database", report.Database,
		"status", report.Status,
		"duration", report.Duration().String(),
		"artifact", artifactPath,
		"errors", errs,
	)
	return report
}

func (r *Runner) notify(ctx context.Context, report *Report) error {
	event := notify.Event{
		Database:  report.Database,
		Engine:    report.Engine,
		Status:    report.Status,
		Delivered: report.Delivered,
		Duration:  report.Duration().Round(time.Millisecond).String(),
	}
	if report.Artifact != nil {
		event.Artifact = report.Artifact.Path
		event.SizeBytes = report.Artifact.Size
	}
	for _, e := range report.Errs() {
		event.Errors = append(event.Errors, e.Error())
	}

	// Detached from run cancellation so a canceled run still reports.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Run.NotifyTimeout)
	defer cancel()

	return r.dispatcher.Notify(notifyCtx, event)
}
