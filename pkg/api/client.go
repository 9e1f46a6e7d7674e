package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/digiplayer/agent/internal/httputil"
)

// StatusError indicates the server answered with a non-success status.
// Transport-level failures surface as *httputil.TransportError instead.
type StatusError struct {
	StatusCode int
	Endpoint   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
}

// Client talks to the control server. The device id (and player id, once
// assigned) act as the credential; there is no separate token issuance.
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
	retryCfg   httputil.RetryConfig
}

// NewClient creates a client for the given API base URL ({server}{prefix}).
func NewClient(baseURL, deviceID string) *Client {
	return &Client{
		baseURL:  baseURL,
		deviceID: deviceID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		retryCfg: httputil.DefaultRetryConfig(),
	}
}

// WithRetryConfig overrides the per-call retry policy. The heartbeat loop
// passes httputil.NoRetryConfig() because its cycle-level backoff owns
// retries.
func (c *Client) WithRetryConfig(cfg httputil.RetryConfig) *Client {
	c.retryCfg = cfg
	return c
}

// Heartbeat posts the status snapshot and returns the decoded response.
func (c *Client) Heartbeat(ctx context.Context, playerID int64, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal heartbeat: %w", err)
	}

	endpoint := fmt.Sprintf("%s/players/%d/heartbeat", c.baseURL, playerID)
	headers := http.Header{
		"Content-Type": {"application/json"},
		"X-Device-ID":  {c.deviceID},
	}

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodPost, endpoint, body, headers, c.retryCfg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Endpoint: "heartbeat"}
	}

	var hbResp HeartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hbResp); err != nil {
		return nil, fmt.Errorf("decode heartbeat response: %w", err)
	}

	return &hbResp, nil
}

// Lookup polls the registration endpoint for an unregistered device.
func (c *Client) Lookup(ctx context.Context) (*LookupResponse, error) {
	endpoint := fmt.Sprintf("%s/players/lookup?unique_id=%s", c.baseURL, url.QueryEscape(c.deviceID))

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, endpoint, nil, nil, c.retryCfg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &LookupResponse{Registered: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Endpoint: "lookup"}
	}

	var lookupResp LookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lookupResp); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}

	return &lookupResp, nil
}

// Health checks server reachability with a lightweight GET. Used by the
// connectivity monitor's server probe.
func (c *Client) Health(ctx context.Context) error {
	endpoint := c.baseURL + "/health"

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodGet, endpoint, nil, nil, httputil.NoRetryConfig())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Endpoint: "health"}
	}
	return nil
}

// UploadScreenshot sends a captured frame as multipart form data.
// Best-effort: callers report failure in the next heartbeat and move on.
func (c *Client) UploadScreenshot(ctx context.Context, playerID int64, name string, image io.Reader) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("screenshot", filepath.Base(name))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return fmt.Errorf("read screenshot: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/players/%d/screenshot", c.baseURL, playerID)
	headers := http.Header{
		"Content-Type": {writer.FormDataContentType()},
		"X-Device-ID":  {c.deviceID},
	}

	resp, err := httputil.Do(ctx, c.httpClient, http.MethodPost, endpoint, buf.Bytes(), headers, c.retryCfg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Endpoint: "screenshot"}
	}
	return nil
}

// MediaURL resolves a media reference against the API base. Absolute
// references are returned unchanged.
func (c *Client) MediaURL(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.IsAbs() {
		return ref
	}
	return c.baseURL + "/media/" + url.PathEscape(ref)
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }
