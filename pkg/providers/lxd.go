package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/retry"
)

const (
	lxdSnap    = "lxd"
	lxdService = "lxd.daemon"
	lxdSocket  = "/var/snap/lxd/common/lxd/unix.socket"
)

// LXD provisions the LXD snap for machine charms.
type LXD struct {
	base
}

func newLXD(cfg Config, deps Deps, logger zerolog.Logger) *LXD {
	return &LXD{base{cfg: cfg, deps: deps, logger: logger}}
}

func (p *LXD) Name() string      { return string(KindLXD) }
func (p *LXD) CloudName() string { return "localhost" }
func (p *LXD) GroupName() string { return "lxd" }
func (p *LXD) Snaps() []string   { return []string{lxdSnap} }

// Credentials implements Provider.
func (p *LXD) Credentials(ctx context.Context) (map[string]any, error) { return nil, nil }

// Present implements Provider. LXD is adopted when installed on the requested channel.
func (p *LXD) Present(ctx context.Context) (bool, error) {
	info, err := p.deps.Snaps.LocalInfo(ctx, lxdSnap)
	if err != nil {
		return false, err
	}
	return info.Installed && (p.cfg.Channel == "" || info.TrackingChannel == p.cfg.Channel), nil
}

// Install implements Provider. A channel change stops the daemon before the
// refresh and starts it once afterwards.
func (p *LXD) Install(ctx context.Context) error {
	restart, err := p.stopForRefresh(ctx)
	if err != nil {
		return providerError(p.Name(), "stop before refresh", err)
	}
	if _, err := p.deps.Snaps.Install(ctx, packages.Package{Name: lxdSnap, Channel: p.cfg.Channel}); err != nil {
		return providerError(p.Name(), "install", err)
	}
	if restart {
		if err := p.deps.Snaps.Start(ctx, lxdService); err != nil {
			return providerError(p.Name(), "start after refresh", err)
		}
	}
	return p.ensureRunning(ctx)
}

func (p *LXD) stopForRefresh(ctx context.Context) (bool, error) {
	info, err := p.deps.Snaps.LocalInfo(ctx, lxdSnap)
	if err != nil {
		return false, err
	}
	if !info.Installed || p.cfg.Channel == "" || info.TrackingChannel == p.cfg.Channel {
		return false, nil
	}
	p.logger.Debug().Str("tracking", info.TrackingChannel).Str("target", p.cfg.Channel).
		Msg("LXD channel mismatch, stopping for refresh")
	if err := p.deps.Snaps.Stop(ctx, lxdService); err != nil {
		return false, err
	}
	return true, nil
}

// ensureRunning starts the daemon when snapd reports it inactive.
func (p *LXD) ensureRunning(ctx context.Context) error {
	active, err := p.deps.Snaps.ServiceActive(ctx, lxdService)
	if err != nil {
		return providerError(p.Name(), "query service", err)
	}
	if active {
		return nil
	}
	p.logger.Debug().Msg("LXD daemon inactive, starting")
	return providerError(p.Name(), "start service", p.deps.Snaps.Start(ctx, lxdService))
}

// Configure implements Provider.
func (p *LXD) Configure(ctx context.Context) error {
	steps := [][]string{
		{"lxd", "waitready", "--timeout", "270"},
		{"lxd", "init", "--minimal"},
		{"lxc", "network", "set", "lxdbr0", "ipv6.address", "none"},
		{"chmod", "a+wr", lxdSocket},
		{"usermod", "-a", "-G", p.GroupName(), p.deps.Worker.Username()},
		{"iptables", "-F", "FORWARD"},
		{"iptables", "-P", "FORWARD", "ACCEPT"},
	}
	for _, argv := range steps {
		if _, err := p.run(ctx, argv[0], argv[1:]...); err != nil {
			return providerError(p.Name(), fmt.Sprintf("configure (%s %s)", argv[0], argv[1]), err)
		}
	}
	p.logger.Info().Msg("Prepared provider")
	return nil
}

// IsReady implements Provider.
func (p *LXD) IsReady(ctx context.Context, timeout time.Duration) error {
	err := retry.Do(ctx, retry.PollPolicy(timeout), func(ctx context.Context) error {
		active, err := p.deps.Snaps.ServiceActive(ctx, lxdService)
		if err != nil {
			return err
		}
		if !active {
			return fmt.Errorf("%s not ready", lxdService)
		}
		_, err = p.run(ctx, "lxd", "waitready", "--timeout", "30")
		return err
	})
	return providerError(p.Name(), "wait for readiness", err)
}

// Teardown implements Provider.
func (p *LXD) Teardown(ctx context.Context) error {
	if err := p.deps.Snaps.RemoveAll(ctx, p.Snaps()...); err != nil {
		return providerError(p.Name(), "remove", err)
	}
	p.logger.Info().Msg("Restored provider")
	return nil
}
