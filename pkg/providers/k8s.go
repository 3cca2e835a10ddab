package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/system"
)

// DefaultK8sChannel is used when no channel is configured.
const DefaultK8sChannel = "1.32-classic/stable"

const (
	k8sSnap            = "k8s"
	k8sRuntime         = "k8s.containerd"
	k8sNotBootstrapped = "The node is not part of a Kubernetes cluster"
)

// K8s provisions Canonical Kubernetes.
type K8s struct {
	base
}

func newK8s(cfg Config, deps Deps, logger zerolog.Logger) *K8s {
	if cfg.Channel == "" {
		cfg.Channel = DefaultK8sChannel
	}
	return &K8s{base{cfg: cfg, deps: deps, logger: logger}}
}

func (p *K8s) Name() string      { return string(KindK8s) }
func (p *K8s) CloudName() string { return "k8s" }
func (p *K8s) GroupName() string { return "" }
func (p *K8s) Snaps() []string   { return []string{k8sSnap, "kubectl"} }

// Credentials implements Provider.
func (p *K8s) Credentials(ctx context.Context) (map[string]any, error) { return nil, nil }

// Present implements Provider.
func (p *K8s) Present(ctx context.Context) (bool, error) {
	return runtimePresent(ctx, p.deps.Snaps, k8sSnap, k8sRuntime)
}

// Install implements Provider. The firewall package and the snaps install concurrently.
func (p *K8s) Install(ctx context.Context) error {
	if err := p.keepInstalled(ctx, "kubectl"); err != nil {
		return providerError(p.Name(), "inspect helper snaps", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := p.run(gctx, "which", "iptables"); err == nil {
			return nil
		}
		p.logger.Debug().Msg("iptables not found, installing")
		_, err := p.deps.Debs.Install(gctx, packages.Package{Name: "iptables"})
		return err
	})
	g.Go(func() error {
		return p.deps.Snaps.InstallAll(gctx,
			packages.Package{Name: k8sSnap, Channel: p.cfg.Channel},
			packages.Package{Name: "kubectl", Channel: kubectlChannel},
		)
	})
	return providerError(p.Name(), "install", g.Wait())
}

// Configure implements Provider.
func (p *K8s) Configure(ctx context.Context) error {
	bootstrap, err := p.needsBootstrap(ctx)
	if err != nil {
		return providerError(p.Name(), "query status", err)
	}
	if bootstrap {
		if _, err := p.runWithRetries(ctx, commandBudget, "k8s", "bootstrap"); err != nil {
			return providerError(p.Name(), "bootstrap cluster", err)
		}
	}
	if _, err := p.runWithRetries(ctx, commandBudget, "k8s", "status", "--wait-ready", "--timeout", "270s"); err != nil {
		return providerError(p.Name(), "wait for cluster", err)
	}

	features := make([]string, 0, len(p.cfg.Features))
	for name := range p.cfg.Features {
		features = append(features, name)
	}
	sort.Strings(features)
	for _, feature := range features {
		conf := p.cfg.Features[feature]
		keys := make([]string, 0, len(conf))
		for k := range conf {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := p.run(ctx, "k8s", "set", fmt.Sprintf("%s.%s=%s", feature, k, conf[k])); err != nil {
				return providerError(p.Name(), "configure feature "+feature, err)
			}
		}
		if _, err := p.runWithRetries(ctx, commandBudget, "k8s", "enable", feature); err != nil {
			return providerError(p.Name(), "enable feature "+feature, err)
		}
	}

	kubeconfig, err := p.run(ctx, "k8s", "kubectl", "config", "view", "--raw")
	if err != nil {
		return providerError(p.Name(), "export kubeconfig", err)
	}
	if err := p.deps.Worker.WriteHomeFile(kubeconfigPath, kubeconfig); err != nil {
		return providerError(p.Name(), "write kubeconfig", err)
	}

	p.logger.Info().Str("channel", p.cfg.Channel).Msg("Prepared provider")
	return nil
}

func (p *K8s) needsBootstrap(ctx context.Context) (bool, error) {
	_, err := p.run(ctx, "k8s", "status")
	if err == nil {
		return false, nil
	}
	var ce *system.CommandError
	if errors.As(err, &ce) && strings.Contains(ce.Output, k8sNotBootstrapped) {
		return true, nil
	}
	return false, err
}

// IsReady implements Provider.
func (p *K8s) IsReady(ctx context.Context, timeout time.Duration) error {
	return providerError(p.Name(), "wait for readiness", probeKubernetes(ctx, p.deps, timeout))
}

// Teardown implements Provider.
func (p *K8s) Teardown(ctx context.Context) error {
	return teardownKubernetes(ctx, p.Name(), p.deps, p.cfg, p.Snaps(), p.logger)
}
