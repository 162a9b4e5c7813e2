package staticscan

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/Rorqualx/copyguard/internal/security"
	"github.com/Rorqualx/copyguard/pkg/version"
)

// MaxDocumentBytes caps fetched documents.
const MaxDocumentBytes = 8 << 20

// Fetcher downloads documents for inspection.
type Fetcher struct {
	client     *retryablehttp.Client
	allowLocal bool
}

// NewFetcher creates a Fetcher. allowLocal disables the private-address check.
func NewFetcher(timeout time.Duration, retryMax int, allowLocal bool) *Fetcher {
	client := retryablehttp.NewClient()
	client.Logger = log.New(io.Discard, "", 0)
	client.RetryMax = retryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	if timeout > 0 {
		client.HTTPClient.Timeout = timeout
	}
	return &Fetcher{client: client, allowLocal: allowLocal}
}

// Fetch returns the body of rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := security.ValidateTargetURL(rawURL, f.allowLocal); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", security.RedactURL(rawURL), err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	req.Header.Set("User-Agent", version.BrowserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", security.RedactURL(rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", security.RedactURL(rawURL), resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", security.RedactURL(rawURL), err)
	}
	return body, nil
}
