package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"invsync/agent-go/internal/device"
)

const (
	devicePath          = "/api/device"
	batchPath           = "/api/device/batch"
	defaultTimeout      = 10 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// ErrBackendUnreachable matches every failed call: transport errors and non-2xx replies.
var ErrBackendUnreachable = errors.New("backend unreachable")

// StatusError is a reply outside the accepted status range.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrBackendUnreachable }

type Config struct {
	BaseURL      string
	Timeout      time.Duration
	ProbeTimeout time.Duration
	HTTP         *http.Client
}

// Client posts device snapshots to the inventory backend.
type Client struct {
	baseURL      *url.URL
	timeout      time.Duration
	probeTimeout time.Duration
	http         *http.Client
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("backend base url is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid backend base url %q: scheme must be http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:      parsed,
		timeout:      timeout,
		probeTimeout: probeTimeout,
		http:         httpClient,
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL.String() }

func (c *Client) endpoint(p string) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	return u.String()
}

// PostDevice uploads one snapshot.
func (c *Client) PostDevice(ctx context.Context, snapshot device.Snapshot) error {
	return c.post(ctx, devicePath, snapshot)
}

// PostBatch uploads several snapshots in one request.
func (c *Client) PostBatch(ctx context.Context, snapshots []device.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	return c.post(ctx, batchPath, snapshots)
}

// Probe reports whether the device endpoint answers. It only accepts POST, so 405
// counts as reachable alongside 2xx.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	target := c.endpoint(devicePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: probe: %v", ErrBackendUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusMethodNotAllowed || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	return &StatusError{Method: http.MethodGet, URL: target, Status: resp.StatusCode}
}

func (c *Client) post(ctx context.Context, p string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal upload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := c.endpoint(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Method: http.MethodPost, URL: target, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}
