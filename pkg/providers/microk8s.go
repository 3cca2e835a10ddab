package providers

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/packages"
)

// DefaultMicroK8sChannel is used when the store lists no strict stable channel.
const DefaultMicroK8sChannel = "1.32-strict/stable"

const (
	microk8sSnap    = "microk8s"
	microk8sRuntime = "microk8s.daemon-containerd"
	metallbRange    = "10.64.140.43-10.64.140.49"
	kubeconfigPath  = ".kube/config"
	kubectlChannel  = "stable"
	commandBudget   = 5 * time.Minute
)

// MicroK8s provisions MicroK8s for Kubernetes charms.
type MicroK8s struct {
	base
	channel string
}

func newMicroK8s(cfg Config, deps Deps, logger zerolog.Logger) *MicroK8s {
	return &MicroK8s{base: base{cfg: cfg, deps: deps, logger: logger}, channel: cfg.Channel}
}

func (p *MicroK8s) Name() string      { return string(KindMicroK8s) }
func (p *MicroK8s) CloudName() string { return "microk8s" }
func (p *MicroK8s) Snaps() []string   { return []string{microk8sSnap, "kubectl"} }

// GroupName implements Provider. Strict channels use the snap_ prefixed group.
func (p *MicroK8s) GroupName() string {
	channel := p.channel
	if channel == "" {
		channel = DefaultMicroK8sChannel
	}
	if strings.Contains(channel, "strict") {
		return "snap_microk8s"
	}
	return "microk8s"
}

// Config implements Provider. The channel resolved from the store is included.
func (p *MicroK8s) Config() Config {
	cfg := p.cfg
	if p.channel != "" {
		cfg.Channel = p.channel
	}
	return cfg
}

// Credentials implements Provider.
func (p *MicroK8s) Credentials(ctx context.Context) (map[string]any, error) { return nil, nil }

// Channel returns the configured channel, resolving the default from the store when unset.
func (p *MicroK8s) Channel(ctx context.Context) string {
	if p.channel != "" {
		return p.channel
	}
	p.channel = DefaultMicroK8sChannel
	channels, err := p.deps.Snaps.Channels(ctx, microk8sSnap)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to list MicroK8s channels, using default")
		return p.channel
	}
	for _, ch := range channels {
		if strings.Contains(ch, "strict") && strings.Contains(ch, "stable") {
			p.channel = ch
			break
		}
	}
	return p.channel
}

// Present implements Provider. An installed snap with a running container runtime is adopted.
func (p *MicroK8s) Present(ctx context.Context) (bool, error) {
	return runtimePresent(ctx, p.deps.Snaps, microk8sSnap, microk8sRuntime)
}

// Install implements Provider.
func (p *MicroK8s) Install(ctx context.Context) error {
	if err := p.keepInstalled(ctx, "kubectl"); err != nil {
		return providerError(p.Name(), "inspect helper snaps", err)
	}
	err := p.deps.Snaps.InstallAll(ctx,
		packages.Package{Name: microk8sSnap, Channel: p.Channel(ctx)},
		packages.Package{Name: "kubectl", Channel: kubectlChannel},
	)
	return providerError(p.Name(), "install", err)
}

// Configure implements Provider.
func (p *MicroK8s) Configure(ctx context.Context) error {
	if _, err := p.runWithRetries(ctx, commandBudget, "microk8s", "status", "--wait-ready", "--timeout", "270"); err != nil {
		return providerError(p.Name(), "wait for cluster", err)
	}

	for _, addon := range p.cfg.Addons {
		arg := addon
		if addon == "metallb" {
			arg = "metallb:" + metallbRange
		}
		if _, err := p.runWithRetries(ctx, commandBudget, "microk8s", "enable", arg); err != nil {
			return providerError(p.Name(), "enable addon "+addon, err)
		}
	}

	if _, err := p.run(ctx, "usermod", "-a", "-G", p.GroupName(), p.deps.Worker.Username()); err != nil {
		return providerError(p.Name(), "grant user access", err)
	}

	kubeconfig, err := p.run(ctx, "microk8s", "config")
	if err != nil {
		return providerError(p.Name(), "export kubeconfig", err)
	}
	if err := p.deps.Worker.WriteHomeFile(kubeconfigPath, kubeconfig); err != nil {
		return providerError(p.Name(), "write kubeconfig", err)
	}

	p.logger.Info().Str("channel", p.channel).Msg("Prepared provider")
	return nil
}

// IsReady implements Provider.
func (p *MicroK8s) IsReady(ctx context.Context, timeout time.Duration) error {
	return providerError(p.Name(), "wait for readiness", probeKubernetes(ctx, p.deps, timeout))
}

// Teardown implements Provider.
func (p *MicroK8s) Teardown(ctx context.Context) error {
	return teardownKubernetes(ctx, p.Name(), p.deps, p.cfg, p.Snaps(), p.logger)
}
