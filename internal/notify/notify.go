// Package notify delivers user-facing notifications raised by the coordinator.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	zlog "github.com/rs/zerolog/log"

	"github.com/Rorqualx/copyguard/internal/metrics"
	"github.com/Rorqualx/copyguard/pkg/version"
)

// Kind classifies a notification.
type Kind string

const (
	KindBlocking    Kind = "blocking"
	KindTracking    Kind = "tracking"
	KindCopyEnabled Kind = "copy_enabled"
	KindWhitelist   Kind = "whitelist"
)

// Notification is one user-facing message.
type Notification struct {
	Kind    Kind      `json:"kind"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Domain  string    `json:"domain,omitempty"`
	TabID   string    `json:"tabId,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, n Notification) error {
	zlog.Info().
		Str("kind", string(n.Kind)).
		Str("title", n.Title).
		Str("domain", n.Domain).
		Str("tab_id", n.TabID).
		Msg(n.Message)
	metrics.RecordNotification(string(n.Kind))
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookConfig configures a Webhook.
type WebhookConfig struct {
	URL      string
	Timeout  time.Duration
	Headers  map[string]string
	RetryMax int
	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Webhook posts notifications as JSON to an HTTP endpoint.
type Webhook struct {
	url     string
	headers map[string]string
	client  *retryablehttp.Client
}

// NewWebhook creates a Webhook notifier.
func NewWebhook(cfg WebhookConfig) *Webhook {
	client := retryablehttp.NewClient()
	client.Logger = log.New(io.Discard, "", 0)
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &Webhook{url: cfg.URL, headers: headers, client: client}
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("webhook: encode: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	metrics.RecordNotification("webhook")
	return nil
}
