package packages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/system"
)

const aptEnv = "DEBIAN_FRONTEND=noninteractive"

// DebHandler manages Debian packages with apt-get. Commands are serialized
// per executable so concurrent steps never race for the dpkg lock.
type DebHandler struct {
	worker system.Worker
	logger zerolog.Logger

	mu      sync.Mutex
	updated bool
}

// NewDebHandler creates a DebHandler.
func NewDebHandler(worker system.Worker, logger zerolog.Logger) *DebHandler {
	return &DebHandler{
		worker: worker,
		logger: logger.With().Str("component", "deb").Logger(),
	}
}

// Kind implements Handler.
func (h *DebHandler) Kind() Kind { return KindDeb }

// IsInstalled implements Handler.
func (h *DebHandler) IsInstalled(ctx context.Context, name string) (bool, error) {
	out, err := h.worker.Run(ctx, system.NewCommand("dpkg-query", "-W", "-f=${Status}", name))
	if err != nil {
		var ce *system.CommandError
		// dpkg-query exits 1 for unknown packages
		if errors.As(err, &ce) && ce.ExitCode == 1 {
			return false, nil
		}
		return false, fmt.Errorf("failed to query package %s: %w", name, err)
	}
	return strings.Contains(string(out), "install ok installed"), nil
}

// Install implements Handler.
func (h *DebHandler) Install(ctx context.Context, pkg Package) (*Result, error) {
	installed, err := h.IsInstalled(ctx, pkg.Name)
	if err != nil {
		return nil, err
	}
	if installed {
		h.logger.Debug().Str("package", pkg.Name).Msg("package already installed")
		return &Result{PreExisting: true, Action: ActionUnchanged}, nil
	}

	if err := h.updateCache(ctx); err != nil {
		return nil, err
	}
	if len(pkg.Debconf) > 0 {
		selections := strings.Join(pkg.Debconf, "\n") + "\n"
		cmd := system.NewCommand("debconf-set-selections").WithStdin(selections)
		if _, err := h.worker.RunExclusive(ctx, cmd); err != nil {
			return nil, fmt.Errorf("failed to pre-seed debconf for %s: %w", pkg.Name, err)
		}
	}

	cmd := system.NewCommand("apt-get", "install", "-y", pkg.Name).WithEnv(aptEnv)
	if _, err := h.worker.RunExclusive(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to install package %s: %w", pkg.Name, err)
	}
	h.logger.Info().Str("package", pkg.Name).Msg("Installed apt package")
	return &Result{Action: ActionInstalled}, nil
}

// updateCache runs apt-get update once per handler.
func (h *DebHandler) updateCache(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.updated {
		return nil
	}
	cmd := system.NewCommand("apt-get", "update").WithEnv(aptEnv)
	if _, err := h.worker.RunExclusive(ctx, cmd); err != nil {
		return fmt.Errorf("failed to update apt cache: %w", err)
	}
	h.updated = true
	return nil
}

// Remove implements Handler. Unused dependencies are removed afterwards.
func (h *DebHandler) Remove(ctx context.Context, name string) error {
	installed, err := h.IsInstalled(ctx, name)
	if err != nil {
		return err
	}
	if !installed {
		h.logger.Debug().Str("package", name).Msg("package not installed, nothing to remove")
		return nil
	}

	cmd := system.NewCommand("apt-get", "remove", "-y", name).WithEnv(aptEnv)
	if _, err := h.worker.RunExclusive(ctx, cmd); err != nil {
		return fmt.Errorf("failed to remove package %s: %w", name, err)
	}
	cmd = system.NewCommand("apt-get", "autoremove", "-y").WithEnv(aptEnv)
	if _, err := h.worker.RunExclusive(ctx, cmd); err != nil {
		return fmt.Errorf("failed to remove unused packages: %w", err)
	}
	h.logger.Info().Str("package", name).Msg("Removed apt package")
	return nil
}
