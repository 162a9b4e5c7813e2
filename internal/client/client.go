// Package client talks to a running copyguard server over its JSON API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/Rorqualx/copyguard/internal/types"
	"github.com/Rorqualx/copyguard/pkg/version"
)

// maxResponseBytes caps decoded API responses.
const maxResponseBytes = 4 << 20

// ErrServer wraps an error envelope returned by the server.
var ErrServer = errors.New("server error")

// Client sends commands to the /v1 endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
}

// New creates a Client for baseURL, e.g. http://127.0.0.1:8390.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	hc := retryablehttp.NewClient()
	hc.Logger = log.New(io.Discard, "", 0)
	hc.RetryMax = 2
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = time.Second
	if timeout > 0 {
		hc.HTTPClient.Timeout = timeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
	}
}

// Do sends req and returns the parsed response envelope. An envelope with
// status "error" is returned as an error wrapping ErrServer.
func (c *Client) Do(ctx context.Context, req types.Request) (gjson.Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encode %s: %w", req.Cmd, err)
	}

	hreq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1", bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", req.Cmd, err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("User-Agent", version.UserAgent())
	if c.apiKey != "" {
		hreq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", req.Cmd, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: read response: %w", req.Cmd, err)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("%s: non-JSON response (HTTP %d)", req.Cmd, resp.StatusCode)
	}

	res := gjson.ParseBytes(raw)
	if res.Get("status").String() != types.StatusOK {
		return res, fmt.Errorf("%w: %s", ErrServer, res.Get("message").String())
	}
	return res, nil
}

// Stats fetches the statistics report.
func (c *Client) Stats(ctx context.Context) (gjson.Result, error) {
	res, err := c.Do(ctx, types.Request{Cmd: types.CmdGetStats})
	if err != nil {
		return gjson.Result{}, err
	}
	return res.Get("stats"), nil
}

// Tabs fetches the open tab list.
func (c *Client) Tabs(ctx context.Context) (gjson.Result, error) {
	res, err := c.Do(ctx, types.Request{Cmd: types.CmdTabList})
	if err != nil {
		return gjson.Result{}, err
	}
	return res.Get("tabs"), nil
}

// Settings fetches the current settings.
func (c *Client) Settings(ctx context.Context) (gjson.Result, error) {
	res, err := c.Do(ctx, types.Request{Cmd: types.CmdGetSettings})
	if err != nil {
		return gjson.Result{}, err
	}
	return res.Get("settings"), nil
}
