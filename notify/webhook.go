package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hupe1980/healthmesh/core"
)

// DefaultWebhookTimeout bounds a single webhook POST.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookOptions holds configuration overrides passed to NewWebhookNotifier().
type WebhookOptions struct {
	// Client overrides the HTTP client; a timeout-bounded default is used
	// when nil.
	Client *http.Client
	// Timeout bounds one delivery attempt when building the default client.
	Timeout time.Duration
	// Headers are added to every request, e.g. an Authorization token.
	Headers map[string]string
}

// WebhookNotifier POSTs each outcome as JSON to a configured endpoint.
// Caregiver pagers, clinical dashboards and ticketing bridges consume this
// shape.
type WebhookNotifier struct {
	name    string
	url     string
	client  *http.Client
	headers map[string]string
}

// NewWebhookNotifier constructs a webhook sink. The name distinguishes
// multiple webhooks in logs ("caregiver", "clinical-team").
func NewWebhookNotifier(name, url string, optFns ...func(o *WebhookOptions)) *WebhookNotifier {
	opts := WebhookOptions{
		Timeout: DefaultWebhookTimeout,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}

	return &WebhookNotifier{
		name:    name,
		url:     url,
		client:  opts.Client,
		headers: opts.Headers,
	}
}

// Name implements Notifier.
func (n *WebhookNotifier) Name() string { return n.name }

// Notify implements Notifier. Any response outside the 2xx range counts as
// a failed delivery.
func (n *WebhookNotifier) Notify(ctx context.Context, out core.Outcome) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode outcome %s: %w", out.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver outcome %s to %s: %w", out.ID, n.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("deliver outcome %s to %s: status %d", out.ID, n.name, resp.StatusCode)
	}
	return nil
}
