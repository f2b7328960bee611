// Package deliver uploads published artifacts to remote storage. Delivery is
// best-effort: exhausted retries surface as a DeliveryError the coordinator
// records without failing the run.
package deliver

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/quietbit/snapvault/internal/config"
	"github.com/quietbit/snapvault/internal/store"
)

// Target uploads one artifact and returns the remote location. A failed or
// partial upload must leave nothing observable remotely; each attempt
// restarts from the beginning of the artifact.
type Target interface {
	Name() string
	Upload(ctx context.Context, a store.Artifact) (string, error)
}

// DeliveryError is raised only after the retry budget is exhausted.
type DeliveryError struct {
	Target   string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempts: %v", e.Target, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// FromConfig builds the configured target, or nil when delivery is disabled.
func FromConfig(cfg config.DeliveryConfig) (Target, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Type {
	case "s3":
		return newS3Target(cfg.S3)
	case "ftp":
		return newFTPTarget(cfg.FTP)
	default:
		return nil, fmt.Errorf("unknown delivery type %q", cfg.Type)
	}
}

// NewBackoff returns the inter-attempt pacing used in production: bounded
// exponential growth, no jitterless hammering of a struggling remote.
func NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0 // the attempt count bounds us, not wall time
	return b
}

// Deliver uploads the artifact, retrying transient failures up to attempts
// total tries with the given backoff between them.
func Deliver(ctx context.Context, t Target, a store.Artifact, attempts int, pace backoff.BackOff, log *zap.SugaredLogger) (string, error) {
	if attempts < 1 {
		attempts = 1
	}
	pace.Reset()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		location, err := t.Upload(ctx, a)
		if err == nil {
			log.Infow("artifact delivered",
				"target", t.Name(),
				"location", location,
				"attempt", attempt,
			)
			return location, nil
		}
		lastErr = err
		log.Warnw("delivery attempt failed",
			"target", t.Name(),
			"attempt", attempt,
			"of", attempts,
			"error", err.Error(),
		)

		if attempt == attempts {
			break
		}
		wait := pace.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return "", &DeliveryError{Target: t.Name(), Attempts: attempt, Err: ctx.Err()}
		case <-time.After(wait):
		}
	}

	return "", &DeliveryError{Target: t.Name(), Attempts: attempts, Err: lastErr}
}
