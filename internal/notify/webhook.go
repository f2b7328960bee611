package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// webhookNotifier POSTs the run report as JSON. Any 2xx acknowledges the
// event; everything else counts as a failed notification for the caller to
// swallow.
type webhookNotifier struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewWebhook builds a webhook notifier. timeout bounds the whole request on
// top of whatever deadline the notify context carries; zero falls back to
// ten seconds.
func NewWebhook(url string, headers map[string]string, timeout time.Duration) (Notifier, error) {
	endpoint := strings.TrimSpace(url)
	if endpoint == "" {
		return nil, fmt.Errorf("config.url is required")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	copyHeaders := make(map[string]string, len(headers))
	for k, v := range headers {
		copyHeaders[k] = v
	}

	return &webhookNotifier{
		endpoint: endpoint,
		headers:  copyHeaders,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (w *webhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "snapvault")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post run report: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused across routes
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}
