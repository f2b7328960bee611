package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/quietbit/snapvault/internal/config"
	"github.com/quietbit/snapvault/internal/deliver"
	"github.com/quietbit/snapvault/internal/dump"
	"github.com/quietbit/snapvault/internal/logging"
	"github.com/quietbit/snapvault/internal/notify"
	"github.com/quietbit/snapvault/internal/store"
)

type fakeDumper struct {
	payload []byte
	err     error
	calls   int
}

func (f *fakeDumper) Engine() string { return "mysql" }

func (f *fakeDumper) Dump(ctx context.Context, stagingDir string) (dump.RawDump, error) {
	f.calls++
	if f.err != nil {
		return dump.RawDump{}, f.err
	}
	out, err := os.CreateTemp(stagingDir, "appdb-*.sql")
	if err != nil {
		return dump.RawDump{}, err
	}
	if _, err := out.Write(f.payload); err != nil {
		out.Close()
		return dump.RawDump{}, err
	}
	if err := out.Close(); err != nil {
		return dump.RawDump{}, err
	}
	return dump.RawDump{Path: out.Name(), Size: int64(len(f.payload)), Ext: ".sql"}, nil
}

type flakyTarget struct {
	calls    int
	failUpTo int
}

func (f *flakyTarget) Name() string { return "fake://remote" }

func (f *flakyTarget) Upload(ctx context.Context, a store.Artifact) (string, error) {
	f.calls++
	if f.calls <= f.failUpTo {
		return "", errors.New("connection refused")
	}
	return "fake://remote/" + a.Name, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Version: 1,
		Database: config.DatabaseConfig{
			Engine: "mysql",
			Name:   "appdb",
			Connection: config.ConnectionConfig{
				Host: "localhost", Port: 3306, User: "backup",
			},
		},
		Store: config.StoreConfig{Directory: t.TempDir()},
		Run: config.RunConfig{
			CaptureTimeout:          time.Minute,
			DeliveryTimeout:         time.Minute,
			NotifyTimeout:           5 * time.Second,
			LockStaleAfter:          2 * time.Hour,
			PartialExitCode:         2,
			CompressionTolerancePct: 100,
		},
	}
}

func testRunner(t *testing.T, cfg *config.Config, dumper dump.Dumper, target deliver.Target) *Runner {
	t.Helper()
	dispatcher, err := notify.NewDispatcher(cfg.Notifications, cfg.Run.NotifyTimeout)
	require.NoError(t, err)
	return &Runner{
		cfg:        cfg,
		log:        logging.Nop(),
		dumper:     dumper,
		target:     target,
		dispatcher: dispatcher,
		pace:       &backoff.ZeroBackOff{},
		now:        time.Now,
	}
}

var sqlPayload = []byte("-- MySQL dump 10.13\nCREATE TABLE t (id INT);\nINSERT INTO t VALUES (1);\n")

func TestRunSucceeds(t *testing.T) {
	cfg := testConfig(t)
	r := testRunner(t, cfg, &fakeDumper{payload: sqlPayload}, nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, report.Status)
	require.Equal(t, 0, report.ExitCode(cfg.Run.PartialExitCode))
	require.NotEmpty(t, report.RunID)
	require.NotNil(t, report.Artifact)
	require.Empty(t, report.Errs())

	st, err := store.Open(cfg.Store.Directory, "appdb")
	require.NoError(t, err)
	arts, err := st.List()
	require.NoError(t, err)
	require.Len(t, arts, 1)
	require.Equal(t, report.Artifact.Checksum, arts[0].Checksum)

	// lock released, staging cleaned up
	_, err = os.Stat(filepath.Join(st.Dir(), lockFileName))
	require.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(st.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 2) // artifact + sidecar
}

func TestRunReturnsAlreadyRunning(t *testing.T) {
	cfg := testConfig(t)

	storeDir := filepath.Join(cfg.Store.Directory, "appdb")
	require.NoError(t, os.MkdirAll(storeDir, 0o755))
	b, err := json.Marshal(lockInfo{PID: 4242, AcquiredAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, lockFileName), b, 0o644))

	dumper := &fakeDumper{payload: sqlPayload}
	r := testRunner(t, cfg, dumper, nil)

	report, err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Nil(t, report)
	require.Zero(t, dumper.calls)

	// nothing in the store beyond the foreign lock
	entries, err := os.ReadDir(storeDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRunCaptureFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)

	var notified notify.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&notified))
	}))
	defer srv.Close()
	cfg.Notifications = []config.NotificationConfig{{
		Type:   "webhook",
		On:     []string{"both"},
		Config: config.NotificationDetails{URL: srv.URL},
	}}

	cause := &dump.CaptureError{Engine: "mysql", Err: errors.New("exit status 2")}
	target := &flakyTarget{}
	r := testRunner(t, cfg, &fakeDumper{err: cause}, target)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, report.Status)
	require.Equal(t, 1, report.ExitCode(cfg.Run.PartialExitCode))
	require.Nil(t, report.Artifact)

	// later stages never ran
	require.Zero(t, target.calls)
	for _, s := range report.Stages {
		require.NotEqual(t, StageCompress, s.Stage)
		require.NotEqual(t, StageDeliver, s.Stage)
	}

	// the failure was still reported
	require.Equal(t, StatusFailed, notified.Status)
	require.Equal(t, "appdb", notified.Database)
	require.NotEmpty(t, notified.Errors)

	// no artifacts left behind
	st, err := store.Open(cfg.Store.Directory, "appdb")
	require.NoError(t, err)
	arts, err := st.List()
	require.NoError(t, err)
	require.Empty(t, arts)
}

func TestRunDeliveryExhaustionIsPartial(t *testing.T) {
	cfg := testConfig(t)
	cfg.Delivery = config.DeliveryConfig{Enabled: true, Type: "s3", Attempts: 3}

	target := &flakyTarget{failUpTo: 100}
	r := testRunner(t, cfg, &fakeDumper{payload: sqlPayload}, target)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusPartial, report.Status)
	require.Equal(t, 2, report.ExitCode(cfg.Run.PartialExitCode))
	require.Equal(t, 3, target.calls)
	require.Empty(t, report.Delivered)

	var derr *deliver.DeliveryError
	require.Len(t, report.Errs(), 1)
	require.ErrorAs(t, report.Errs()[0], &derr)
	require.Equal(t, 3, derr.Attempts)

	// the artifact is kept for a manual re-send
	st, err := store.Open(cfg.Store.Directory, "appdb")
	require.NoError(t, err)
	arts, err := st.List()
	require.NoError(t, err)
	require.Len(t, arts, 1)
}

func TestRunDeliverySucceedsAfterRetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Delivery = config.DeliveryConfig{Enabled: true, Type: "s3", Attempts: 3}

	target := &flakyTarget{failUpTo: 1}
	r := testRunner(t, cfg, &fakeDumper{payload: sqlPayload}, target)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, report.Status)
	require.Equal(t, 2, target.calls)
	require.Contains(t, report.Delivered, "fake://remote/")
}

func TestRunPrunesOldArtifacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retention = config.RetentionConfig{MaxCount: 2}

	st, err := store.Open(cfg.Store.Directory, "appdb")
	require.NoError(t, err)
	for i := 1; i <= 4; i++ {
		w, err := st.Create(st.ArtifactName(time.Now().UTC().Add(-time.Duration(i)*24*time.Hour), ".sql.gz"))
		require.NoError(t, err)
		_, err = w.Write([]byte("old"))
		require.NoError(t, err)
		_, err = w.Close()
		require.NoError(t, err)
	}

	r := testRunner(t, cfg, &fakeDumper{payload: sqlPayload}, nil)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, report.Status)

	arts, err := st.List()
	require.NoError(t, err)
	require.Len(t, arts, 2)
	require.Equal(t, report.Artifact.Name, arts[0].Name)
}

func TestRunCompressionFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.CompressionTolerancePct = 1

	// a tiny incompressible payload grows under gzip framing
	r := testRunner(t, cfg, &fakeDumper{payload: []byte{0x01}}, nil)

	report, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, report.Status)
	require.Nil(t, report.Artifact)

	st, err := store.Open(cfg.Store.Directory, "appdb")
	require.NoError(t, err)
	arts, err := st.List()
	require.NoError(t, err)
	require.Empty(t, arts)
}

func TestRunLogsEveryStageTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	cfg := testConfig(t)
	cfg.Retention = config.RetentionConfig{MaxCount: 5}
	cfg.Delivery = config.DeliveryConfig{Enabled: true, Type: "s3", Attempts: 1}

	r := testRunner(t, cfg, &fakeDumper{payload: sqlPayload}, &flakyTarget{})
	r.log = zap.New(core).Sugar()

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	for _, msg := range []string{
		"run started",
		"compressing raw dump",
		"artifact published",
		"prune finished",
		"artifact delivered",
		"run finished",
	} {
		require.NotEmpty(t, logs.FilterMessage(msg).All(), "missing log record %q", msg)
	}
}

func TestReportExitCode(t *testing.T) {
	for _, tc := range []struct {
		status string
		code   int
	}{
		{StatusSucceeded, 0},
		{StatusPartial, 7},
		{StatusFailed, 1},
	} {
		r := &Report{Status: tc.status}
		require.Equal(t, tc.code, r.ExitCode(7), tc.status)
	}
}

func TestReportErrsInOrder(t *testing.T) {
	r := &Report{}
	r.record(StageCapture, time.Now(), nil)
	r.record(StagePrune, time.Now(), fmt.Errorf("prune: disk error"))
	r.record(StageDeliver, time.Now(), fmt.Errorf("delivery failed"))

	errs := r.Errs()
	require.Len(t, errs, 2)
	require.Contains(t, errs[0].Error(), "prune")
	require.Contains(t, errs[1].Error(), "delivery")
}
