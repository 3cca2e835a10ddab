package packages

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/snapd"
)

// SnapHandler manages snaps through the snapd API.
type SnapHandler struct {
	api    snapd.API
	logger zerolog.Logger
}

// NewSnapHandler creates a SnapHandler.
func NewSnapHandler(api snapd.API, logger zerolog.Logger) *SnapHandler {
	return &SnapHandler{
		api:    api,
		logger: logger.With().Str("component", "snap").Logger(),
	}
}

// Kind implements Handler.
func (h *SnapHandler) Kind() Kind { return KindSnap }

// IsInstalled implements Handler. Only the local daemon is consulted.
func (h *SnapHandler) IsInstalled(ctx context.Context, name string) (bool, error) {
	info, err := h.api.Installed(ctx, name)
	if err != nil {
		return false, err
	}
	return info.Installed, nil
}

// LocalInfo returns the installation state of a snap without contacting the store.
func (h *SnapHandler) LocalInfo(ctx context.Context, name string) (*snapd.SnapInfo, error) {
	return h.api.Installed(ctx, name)
}

// Info returns the snapd view of a snap for a channel.
func (h *SnapHandler) Info(ctx context.Context, name, channel string) (*snapd.SnapInfo, error) {
	return h.api.Info(ctx, name, channel)
}

// Install implements Handler. An installed snap is refreshed when it tracks another
// channel and left alone otherwise; either way it counts as pre-existing.
func (h *SnapHandler) Install(ctx context.Context, pkg Package) (*Result, error) {
	logger := h.logger.With().Str("snap", pkg.Name).Str("channel", pkg.Channel).Logger()

	info, err := h.api.Info(ctx, pkg.Name, pkg.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to query snap %s: %w", pkg.Name, err)
	}
	opts := snapd.SnapOptions{Channel: pkg.Channel, Classic: info.Classic}
	if pkg.Classic != nil {
		opts.Classic = *pkg.Classic
	}

	if info.Installed {
		if pkg.Channel == "" || info.TrackingChannel == pkg.Channel {
			logger.Debug().Str("tracking", info.TrackingChannel).Msg("snap already installed")
			return &Result{PreExisting: true, Action: ActionUnchanged}, nil
		}
		if err := h.api.Refresh(ctx, pkg.Name, opts); err != nil {
			return nil, fmt.Errorf("failed to refresh snap %s: %w", pkg.Name, err)
		}
		logger.Info().Str("from", info.TrackingChannel).Msg("Refreshed snap")
		return &Result{PreExisting: true, Action: ActionRefreshed}, nil
	}

	if err := h.api.Install(ctx, pkg.Name, opts); err != nil {
		return nil, fmt.Errorf("failed to install snap %s: %w", pkg.Name, err)
	}
	logger.Info().Bool("classic", opts.Classic).Msg("Installed snap")
	return &Result{Action: ActionInstalled}, nil
}

// Remove implements Handler. Removing an absent snap succeeds.
func (h *SnapHandler) Remove(ctx context.Context, name string) error {
	installed, err := h.IsInstalled(ctx, name)
	if err != nil {
		return err
	}
	if !installed {
		h.logger.Debug().Str("snap", name).Msg("snap not installed, nothing to remove")
		return nil
	}
	if err := h.api.Remove(ctx, name, true); err != nil {
		return fmt.Errorf("failed to remove snap %s: %w", name, err)
	}
	h.logger.Info().Str("snap", name).Msg("Removed snap")
	return nil
}

// Connect wires a plug to a slot. The connection string is "plug" or "plug slot".
func (h *SnapHandler) Connect(ctx context.Context, conn engine.ConnectParams) error {
	if conn.Plug == "" {
		return engine.NewConfigurationError("snap connection without a plug", nil)
	}
	if err := h.api.Connect(ctx, conn.Plug, conn.Slot); err != nil {
		return fmt.Errorf("failed to connect %s: %w", conn.Plug, err)
	}
	h.logger.Info().Str("plug", conn.Plug).Str("slot", conn.Slot).Msg("Connected snap interface")
	return nil
}

// InstallAll installs snaps in order and stops at the first failure.
func (h *SnapHandler) InstallAll(ctx context.Context, pkgs ...Package) error {
	for _, p := range pkgs {
		if _, err := h.Install(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAll removes snaps in order and stops at the first failure.
func (h *SnapHandler) RemoveAll(ctx context.Context, names ...string) error {
	for _, n := range names {
		if err := h.Remove(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Channels lists the store channels of a snap, newest first.
func (h *SnapHandler) Channels(ctx context.Context, name string) ([]string, error) {
	return h.api.Channels(ctx, name)
}

// ServiceActive reports whether a snap service is running.
func (h *SnapHandler) ServiceActive(ctx context.Context, service string) (bool, error) {
	return h.api.ServiceActive(ctx, service)
}

// Start starts snap services.
func (h *SnapHandler) Start(ctx context.Context, services ...string) error {
	return h.api.Start(ctx, services...)
}

// Stop stops snap services.
func (h *SnapHandler) Stop(ctx context.Context, services ...string) error {
	return h.api.Stop(ctx, services...)
}
