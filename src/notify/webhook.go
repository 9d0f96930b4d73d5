package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Webhook posts the lead as a form to a URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(target string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: target, client: client}
}

func (w *Webhook) Notify(ctx context.Context, lead Lead) error {
	form := url.Values{}
	for k, v := range lead.Record.Fields {
		form.Set(k, v)
	}
	form.Set("priority", strconv.FormatBool(lead.Record.Priority))
	form.Set("call_sid", lead.CallSid)
	if lead.Business != "" {
		form.Set("business", lead.Business)
	}
	if !lead.CapturedAt.IsZero() {
		form.Set("captured_at", lead.CapturedAt.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post lead webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("lead webhook returned status %d", resp.StatusCode)
	}
	return nil
}
