// Package retention prunes the artifact store down to the configured bounds.
package retention

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quietbit/snapvault/internal/config"
	"github.com/quietbit/snapvault/internal/store"
)

// Report collects what a pruning pass did. Individual deletion failures are
// recorded, never raised: pruning is not allowed to fail a run.
type Report struct {
	Examined int
	Deleted  int
	Kept     int
	Errors   []error
}

func (r Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("prune: %s", strings.Join(msgs, "; "))
}

// Prune deletes every artifact that violates either retention bound: older
// than max_age_days, or beyond the newest max_count. A zero bound disables
// that bound. keepPath names the artifact produced by the current run; it is
// never a deletion candidate, whatever the policy says.
func Prune(st *store.Store, policy config.RetentionConfig, keepPath string, now time.Time, log *zap.SugaredLogger) Report {
	var report Report

	if policy.MaxAgeDays == 0 && policy.MaxCount == 0 {
		return report
	}

	artifacts, err := st.List()
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("list artifacts: %w", err))
		return report
	}
	report.Examined = len(artifacts)

	var cutoff time.Time
	if policy.MaxAgeDays > 0 {
		cutoff = now.Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
	}

	// artifacts are newest first, so rank doubles as the count bound index
	rank := 0
	for _, a := range artifacts {
		if a.Path == keepPath {
			report.Kept++
			rank++
			continue
		}

		tooOld := policy.MaxAgeDays > 0 && a.CreatedAt.Before(cutoff)
		tooMany := policy.MaxCount > 0 && rank >= policy.MaxCount
		rank++

		if !tooOld && !tooMany {
			report.Kept++
			continue
		}

		if err := st.Remove(a); err != nil {
			report.Errors = append(report.Errors, err)
			report.Kept++
			continue
		}
		log.Infow("pruned artifact",
			"artifact", a.Name,
			"created_at", a.CreatedAt,
			"too_old", tooOld,
			"over_count", tooMany,
		)
		report.Deleted++
	}

	return report
}
