package providers

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/retry"
)

// KubeProbe checks that a cluster described by a kubeconfig serves requests.
type KubeProbe interface {
	Probe(ctx context.Context, kubeconfig []byte) error
}

// ClientProbe probes the API server with client-go: it must report a version
// and at least one Ready node.
type ClientProbe struct {
	// Timeout bounds each API request.
	Timeout time.Duration
}

// Probe implements KubeProbe.
func (p ClientProbe) Probe(ctx context.Context, kubeconfig []byte) error {
	cfg, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return retry.Fatal(fmt.Errorf("failed to load kubeconfig: %w", err))
	}
	cfg.Timeout = p.Timeout
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return retry.Fatal(fmt.Errorf("failed to create kubernetes client: %w", err))
	}
	if _, err := clientset.Discovery().ServerVersion(); err != nil {
		return engine.NewRetryableError("kubernetes API not reachable", err).WithOperation("kubernetes probe")
	}

	nodes, err := clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return engine.NewRetryableError("failed to list nodes", err).WithOperation("kubernetes probe")
	}
	for _, node := range nodes.Items {
		for _, cond := range node.Status.Conditions {
			if cond.Type == corev1.NodeReady && cond.Status == corev1.ConditionTrue {
				return nil
			}
		}
	}
	return engine.NewRetryableError(fmt.Sprintf("no ready nodes among %d", len(nodes.Items)), nil).
		WithOperation("kubernetes probe")
}

// probeKubernetes polls the API in the user's kubeconfig until it answers.
func probeKubernetes(ctx context.Context, deps Deps, timeout time.Duration) error {
	if deps.Probe == nil {
		return nil
	}
	return retry.Do(ctx, retry.PollPolicy(timeout), func(ctx context.Context) error {
		kubeconfig, err := deps.Worker.ReadHomeFile(kubeconfigPath)
		if err != nil {
			return retry.Fatal(err)
		}
		return deps.Probe.Probe(ctx, kubeconfig)
	})
}

// runtimePresent reports whether a snap is installed and its container runtime runs.
func runtimePresent(ctx context.Context, snaps *packages.SnapHandler, snap, runtimeService string) (bool, error) {
	installed, err := snaps.IsInstalled(ctx, snap)
	if err != nil || !installed {
		return false, err
	}
	return snaps.ServiceActive(ctx, runtimeService)
}

// keepInstalled adds the helper snaps that are already installed to KeepSnaps.
func (b *base) keepInstalled(ctx context.Context, names ...string) error {
	for _, name := range names {
		if slices.Contains(b.cfg.KeepSnaps, name) {
			continue
		}
		installed, err := b.deps.Snaps.IsInstalled(ctx, name)
		if err != nil {
			return err
		}
		if installed {
			b.logger.Debug().Str("snap", name).Msg("snap installed before prepare, keeping it on teardown")
			b.cfg.KeepSnaps = append(b.cfg.KeepSnaps, name)
		}
	}
	return nil
}

func teardownKubernetes(ctx context.Context, name string, deps Deps, cfg Config, snaps []string, logger zerolog.Logger) error {
	snaps = slices.DeleteFunc(slices.Clone(snaps), func(s string) bool {
		return slices.Contains(cfg.KeepSnaps, s)
	})
	if err := deps.Snaps.RemoveAll(ctx, snaps...); err != nil {
		return providerError(name, "remove", err)
	}
	if err := deps.Worker.RemoveAllHome(".kube"); err != nil {
		return providerError(name, "remove kubeconfig", err)
	}
	logger.Info().Msg("Removed provider")
	return nil
}
