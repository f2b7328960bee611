package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/quietbit/snapvault/internal/config"
	"github.com/quietbit/snapvault/internal/logging"
	"github.com/quietbit/snapvault/internal/runner"
)

func main() {
	app := &cli.App{
		Name:  "snapvault",
		Usage: "scheduled database backups with retention and delivery",
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "run one backup of the configured database",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Required: true,
						Usage:    "path to config yaml",
					},
					&cli.BoolFlag{
						Name:  "verbose",
						Usage: "enable verbose logging",
					},
				},
				Action: func(c *cli.Context) error {
					return runBackup(c)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exitCodeError carries the exit-code contract through urfave's error path:
// 0 succeeded, 1 failed, config-chosen code for partial failures.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func runBackup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(c.Bool("verbose"))
	if err != nil {
		return err
	}
	defer log.Sync()

	r, err := runner.New(c.Context, cfg, log)
	if err != nil {
		return err
	}

	report, err := r.Run(c.Context)
	if err != nil {
		if errors.Is(err, runner.ErrAlreadyRunning) {
			return &exitCodeError{code: 1, msg: err.Error()}
		}
		return err
	}

	if code := report.ExitCode(cfg.Run.PartialExitCode); code != 0 {
		return &exitCodeError{
			code: code,
			msg:  fmt.Sprintf("backup run %s finished with status %s", report.RunID, report.Status),
		}
	}
	return nil
}
