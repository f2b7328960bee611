// Package notify reports run outcomes to operators. Notification failures
// are the caller's to swallow; nothing here can change a run's status.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quietbit/snapvault/internal/config"
)

const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial_failure"
	StatusFailed    = "failed"
)

// Event is the notification payload shared by all notifier implementations.
type Event struct {
	Database  string   `json:"database"`
	Engine    string   `json:"engine"`
	Status    string   `json:"status"`
	Artifact  string   `json:"artifact,omitempty"`
	SizeBytes int64    `json:"size_bytes,omitempty"`
	Delivered string   `json:"delivered,omitempty"`
	Duration  string   `json:"duration"`
	Errors    []string `json:"errors,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type route struct {
	onSuccess bool
	onFailure bool
	notifier  Notifier
}

type Dispatcher struct {
	routes []route
}

// NewDispatcher builds one route per notification config. timeout bounds
// each notifier's outbound call; it comes from run.notify_timeout.
func NewDispatcher(cfgs []config.NotificationConfig, timeout time.Duration) (*Dispatcher, error) {
	routes := make([]route, 0, len(cfgs))
	for i, n := range cfgs {
		onSuccess, onFailure, err := parseOn(n.On)
		if err != nil {
			return nil, fmt.Errorf("notifications[%d]: %w", i, err)
		}

		switch strings.ToLower(strings.TrimSpace(n.Type)) {
		case "webhook":
			nf, err := NewWebhook(n.Config.URL, n.Config.Headers, timeout)
			if err != nil {
				return nil, fmt.Errorf("notifications[%d] webhook: %w", i, err)
			}
			routes = append(routes, route{onSuccess: onSuccess, onFailure: onFailure, notifier: nf})
		case "email":
			nf, err := NewEmail(n.Config.SMTPHost, n.Config.SMTPPort, n.Config.From, n.Config.To, n.Config.Username, n.Config.Password)
			if err != nil {
				return nil, fmt.Errorf("notifications[%d] email: %w", i, err)
			}
			routes = append(routes, route{onSuccess: onSuccess, onFailure: onFailure, notifier: nf})
		default:
			return nil, fmt.Errorf("notifications[%d]: unsupported notification type %q", i, n.Type)
		}
	}
	return &Dispatcher{routes: routes}, nil
}

func (d *Dispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil || len(d.routes) == 0 {
		return nil
	}

	var errs []error
	for i, r := range d.routes {
		if !r.wants(event.Status) {
			continue
		}
		if err := r.notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("notification route %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Partial failures route like failures: the operator needs to hear about
// both.
func (r route) wants(status string) bool {
	switch status {
	case StatusSucceeded:
		return r.onSuccess
	case StatusFailed, StatusPartial:
		return r.onFailure
	default:
		return false
	}
}

func parseOn(raw []string) (bool, bool, error) {
	if len(raw) == 0 {
		return false, false, fmt.Errorf("on must include success, failure, or both")
	}

	var onSuccess bool
	var onFailure bool
	for _, v := range raw {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "success":
			onSuccess = true
		case "failure":
			onFailure = true
		case "both":
			onSuccess = true
			onFailure = true
		default:
			return false, false, fmt.Errorf("on contains unsupported value %q", v)
		}
	}

	if !onSuccess && !onFailure {
		return false, false, fmt.Errorf("on must include success, failure, or both")
	}

	return onSuccess, onFailure, nil
}
