package snapd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// API is the subset of the snapd REST API used to provision a host.
type API interface {
	// Installed reports local installation state without contacting the store.
	Installed(ctx context.Context, name string) (*SnapInfo, error)

	// Info reports installation state and confinement for a snap, consulting the
	// store for snaps that are not installed.
	Info(ctx context.Context, name, channel string) (*SnapInfo, error)

	// Channels lists the store channels of a snap, sorted in reverse order.
	Channels(ctx context.Context, name string) ([]string, error)

	// Install installs a snap and waits for the change to finish.
	Install(ctx context.Context, name string, opts SnapOptions) error

	// Refresh switches an installed snap to another channel.
	Refresh(ctx context.Context, name string, opts SnapOptions) error

	// Remove removes a snap.
	Remove(ctx context.Context, name string, purge bool) error

	// Connect wires a plug ("snap:plug") to an optional slot ("snap:slot").
	Connect(ctx context.Context, plug, slot string) error

	// ServiceActive reports whether a snap service ("snap.app") is running.
	ServiceActive(ctx context.Context, service string) (bool, error)

	// Start starts snap services.
	Start(ctx context.Context, services ...string) error

	// Stop stops snap services.
	Stop(ctx context.Context, services ...string) error
}

// SnapInfo summarizes an installed or installable snap.
type SnapInfo struct {
	Name            string `json:"name"`
	Installed       bool   `json:"installed"`
	Classic         bool   `json:"classic"`
	TrackingChannel string `json:"tracking_channel,omitempty"`
	Version         string `json:"version,omitempty"`
}

// SnapOptions control install and refresh.
type SnapOptions struct {
	Channel string
	Classic bool
}

// App describes one snap application as reported by /v2/apps.
type App struct {
	Snap    string `json:"snap"`
	Name    string `json:"name"`
	Daemon  string `json:"daemon,omitempty"`
	Active  bool   `json:"active,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// Service returns the "snap.app" name of the application.
func (a App) Service() string {
	return a.Snap + "." + a.Name
}

// Change is an asynchronous snapd operation.
type Change struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Summary string `json:"summary"`
	Status  string `json:"status"`
	Ready   bool   `json:"ready"`
	Err     string `json:"err,omitempty"`
}

// Change statuses that end a change without success.
const (
	ChangeStatusDone   = "Done"
	ChangeStatusError  = "Error"
	ChangeStatusHold   = "Hold"
	ChangeStatusUndone = "Undone"
)

// installedSnap is the payload of GET /v2/snaps/{name}.
type installedSnap struct {
	Name            string `json:"name"`
	Status          string `json:"status"`
	Channel         string `json:"channel"`
	TrackingChannel string `json:"tracking-channel"`
	Confinement     string `json:"confinement"`
	Version         string `json:"version"`
}

// storeSnap is one entry of GET /v2/find.
type storeSnap struct {
	Name        string                  `json:"name"`
	Confinement string                  `json:"confinement"`
	Version     string                  `json:"version"`
	Channels    map[string]storeChannel `json:"channels"`
}

type storeChannel struct {
	Confinement string `json:"confinement"`
	Version     string `json:"version"`
}

// response is the envelope of every snapd reply.
type response struct {
	Type       string          `json:"type"`
	StatusCode int             `json:"status-code"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	Change     string          `json:"change,omitempty"`
}

type errorResult struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

type snapAction struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	Classic bool   `json:"classic,omitempty"`
	Purge   bool   `json:"purge,omitempty"`
}

type interfaceRef struct {
	Snap string `json:"snap"`
	Plug string `json:"plug,omitempty"`
	Slot string `json:"slot,omitempty"`
}

type interfaceAction struct {
	Action string         `json:"action"`
	Plugs  []interfaceRef `json:"plugs,omitempty"`
	Slots  []interfaceRef `json:"slots,omitempty"`
}

type appAction struct {
	Action string   `json:"action"`
	Names  []string `json:"names"`
}

// splitEndpoint splits "snap:name". A missing snap refers to the system slot.
func splitEndpoint(s string) (snap, name string) {
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// APIError is an error reported by snapd, with the daemon message kept verbatim.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("snapd API error: %s", e.Message)
}

// NotFound reports whether the error says the snap is absent.
func (e *APIError) NotFound() bool {
	return e.StatusCode == 404 || e.Kind == "snap-not-found" || e.Kind == "snap-not-installed"
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	if e.NotFound() {
		return false
	}
	switch e.Kind {
	case "snap-change-conflict", "snap-daemon-busy":
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ChangeError is a change that ended without success.
type ChangeError struct {
	ID     string
	Status string
	Err    string
}

// Error implements the error interface.
func (e *ChangeError) Error() string {
	if e.Err != "" {
		return e.Err
	}
	return fmt.Sprintf("snapd change %s ended with status %s", e.ID, e.Status)
}
