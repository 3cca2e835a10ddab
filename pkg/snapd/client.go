// Package snapd talks to the snap daemon over its unix socket.
package snapd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/retry"
)

// DefaultSocket is where snapd listens.
const DefaultSocket = "/run/snapd.socket"

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Client is an API client for snapd.
type Client struct {
	http         *http.Client
	baseURL      string
	policy       retry.Policy
	pollInterval time.Duration
	logger       zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithSocket dials snapd at a different socket path.
func WithSocket(path string) Option {
	return func(c *Client) {
		c.http = socketClient(path)
	}
}

// WithHTTPClient sends requests through hc to baseURL, for tests and proxies.
func WithHTTPClient(hc *http.Client, baseURL string) Option {
	return func(c *Client) {
		c.http = hc
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithRetryPolicy overrides the policy applied to read requests.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithPollInterval sets how often change status is checked.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a snapd client on the default socket.
func New(opts ...Option) *Client {
	c := &Client{
		http:    socketClient(DefaultSocket),
		baseURL: "http://localhost",
		policy: retry.Policy{
			MaxAttempts:     10,
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
		},
		pollInterval: defaultPollInterval,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "snapd").Logger()
	return c
}

func socketClient(path string) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &http.Client{
		Timeout: defaultTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", path)
			},
		},
	}
}

// Installed implements API. Only the local daemon is queried; a snap snapd does
// not know about is reported as not installed.
func (c *Client) Installed(ctx context.Context, name string) (*SnapInfo, error) {
	var s installedSnap
	err := c.getWithRetry(ctx, "/v2/snaps/"+url.PathEscape(name), nil, &s)

	var apiErr *APIError
	switch {
	case err == nil && s.Status == "active":
		tracking := s.TrackingChannel
		if tracking == "" {
			tracking = s.Channel
		}
		return &SnapInfo{
			Name:            name,
			Installed:       true,
			Classic:         s.Confinement == "classic",
			TrackingChannel: tracking,
			Version:         s.Version,
		}, nil
	case err == nil:
		return &SnapInfo{Name: name}, nil
	case errors.As(err, &apiErr) && apiErr.NotFound():
		return &SnapInfo{Name: name}, nil
	default:
		return nil, err
	}
}

// Info implements API. A snap that is not installed is looked up in the store
// so Classic reflects the confinement of the requested channel.
func (c *Client) Info(ctx context.Context, name, channel string) (*SnapInfo, error) {
	local, err := c.Installed(ctx, name)
	if err != nil {
		return nil, err
	}
	if local.Installed {
		return local, nil
	}

	found, err := c.find(ctx, name)
	if err != nil {
		return nil, err
	}
	info := &SnapInfo{Name: name, Version: found.Version}
	if ch, ok := found.Channels[channel]; ok && ch.Confinement != "" {
		info.Classic = ch.Confinement == "classic"
	} else {
		info.Classic = found.Confinement == "classic"
	}
	return info, nil
}

// Channels implements API.
func (c *Client) Channels(ctx context.Context, name string) ([]string, error) {
	found, err := c.find(ctx, name)
	if err != nil {
		return nil, err
	}
	channels := make([]string, 0, len(found.Channels))
	for ch := range found.Channels {
		channels = append(channels, ch)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(channels)))
	return channels, nil
}

// find returns the store entry with an exact name match, or the first result.
func (c *Client) find(ctx context.Context, name string) (*storeSnap, error) {
	var results []storeSnap
	q := url.Values{"name": {name}}
	if err := c.getWithRetry(ctx, "/v2/find", q, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, &APIError{StatusCode: http.StatusNotFound, Kind: "snap-not-found", Message: fmt.Sprintf("snap not found: %s", name)}
	}
	for i := range results {
		if results[i].Name == name {
			return &results[i], nil
		}
	}
	return &results[0], nil
}

// Install implements API.
func (c *Client) Install(ctx context.Context, name string, opts SnapOptions) error {
	return c.snapAction(ctx, name, snapAction{Action: "install", Channel: opts.Channel, Classic: opts.Classic})
}

// Refresh implements API.
func (c *Client) Refresh(ctx context.Context, name string, opts SnapOptions) error {
	return c.snapAction(ctx, name, snapAction{Action: "refresh", Channel: opts.Channel, Classic: opts.Classic})
}

// Remove implements API.
func (c *Client) Remove(ctx context.Context, name string, purge bool) error {
	return c.snapAction(ctx, name, snapAction{Action: "remove", Purge: purge})
}

func (c *Client) snapAction(ctx context.Context, name string, action snapAction) error {
	c.logger.Debug().Str("snap", name).Str("action", action.Action).Str("channel", action.Channel).Msg("sending snap action")
	return c.doAsync(ctx, http.MethodPost, "/v2/snaps/"+url.PathEscape(name), action)
}

// Connect implements API.
func (c *Client) Connect(ctx context.Context, plug, slot string) error {
	return c.interfaceAction(ctx, "connect", plug, slot)
}

func (c *Client) interfaceAction(ctx context.Context, action, plug, slot string) error {
	plugSnap, plugName := splitEndpoint(plug)
	body := interfaceAction{
		Action: action,
		Plugs:  []interfaceRef{{Snap: plugSnap, Plug: plugName}},
	}
	if slot != "" {
		slotSnap, slotName := splitEndpoint(slot)
		body.Slots = []interfaceRef{{Snap: slotSnap, Slot: slotName}}
	} else {
		body.Slots = []interfaceRef{{}}
	}
	c.logger.Debug().Str("plug", plug).Str("slot", slot).Str("action", action).Msg("sending interface action")
	return c.doAsync(ctx, http.MethodPost, "/v2/interfaces", body)
}

// Apps lists the applications of the given snaps or services.
func (c *Client) Apps(ctx context.Context, names ...string) ([]App, error) {
	var apps []App
	q := url.Values{"names": {strings.Join(names, ",")}}
	if err := c.getWithRetry(ctx, "/v2/apps", q, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// ServiceActive implements API. An unknown snap is reported as inactive.
func (c *Client) ServiceActive(ctx context.Context, service string) (bool, error) {
	apps, err := c.Apps(ctx, service)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.NotFound() {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, a := range apps {
		if a.Service() == service {
			return a.Active, nil
		}
	}
	return false, nil
}

// Start implements API.
func (c *Client) Start(ctx context.Context, services ...string) error {
	return c.doAsync(ctx, http.MethodPost, "/v2/apps", appAction{Action: "start", Names: services})
}

// Stop implements API.
func (c *Client) Stop(ctx context.Context, services ...string) error {
	return c.doAsync(ctx, http.MethodPost, "/v2/apps", appAction{Action: "stop", Names: services})
}

// Wait polls a change until it is ready.
func (c *Client) Wait(ctx context.Context, id string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var ch Change
		if err := c.getWithRetry(ctx, "/v2/changes/"+url.PathEscape(id), nil, &ch); err != nil {
			return err
		}
		switch ch.Status {
		case ChangeStatusDone:
			return nil
		case ChangeStatusError, ChangeStatusHold, ChangeStatusUndone:
			return &ChangeError{ID: id, Status: ch.Status, Err: ch.Err}
		}
		if ch.Ready {
			if ch.Err != "" {
				return &ChangeError{ID: id, Status: ch.Status, Err: ch.Err}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for snapd change %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// doAsync sends a request that starts a change and waits for it to finish.
// Conflicting changes are retried; other failures are returned as-is.
func (c *Client) doAsync(ctx context.Context, method, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	policy := c.policy
	policy.Retryable = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Temporary()
		}
		return retry.DefaultClassifier(err)
	}

	id, err := retry.DoValue(ctx, policy, func(ctx context.Context) (string, error) {
		resp, err := c.do(ctx, method, path, nil, payload)
		if err != nil {
			return "", err
		}
		if resp.Type != "async" || resp.Change == "" {
			return "", fmt.Errorf("snapd returned %q response without a change id", resp.Type)
		}
		return resp.Change, nil
	})
	if err != nil {
		return err
	}
	return c.Wait(ctx, id)
}

func (c *Client) getWithRetry(ctx context.Context, path string, query url.Values, out any) error {
	policy := c.policy
	policy.Retryable = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Temporary()
		}
		return retry.DefaultClassifier(err)
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		resp, err := c.do(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			return err
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return retry.Fatal(fmt.Errorf("failed to decode snapd result for %s: %w", path, err))
		}
		return nil
	})
}

// do performs one request and decodes the response envelope.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("failed to build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapd request %s %s failed: %w", method, path, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapd response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, retry.Fatal(fmt.Errorf("failed to decode snapd response: %w", err))
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = res.StatusCode
	}

	if resp.Type == "error" || resp.StatusCode >= 400 {
		var e errorResult
		_ = json.Unmarshal(resp.Result, &e)
		if e.Message == "" {
			e.Message = resp.Status
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Kind: e.Kind, Message: e.Message}
	}
	return &resp, nil
}

var _ API = (*Client)(nil)
