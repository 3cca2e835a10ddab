// Package providers installs and configures the substrates juju can be bootstrapped onto.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/system"
)

// Kind identifies a provider variant.
type Kind string

const (
	KindLXD      Kind = "lxd"
	KindMicroK8s Kind = "microk8s"
	KindK8s      Kind = "k8s"
	KindGoogle   Kind = "google"
)

// Kinds lists every provider variant.
var Kinds = []Kind{KindLXD, KindMicroK8s, KindK8s, KindGoogle}

// DefaultReadyTimeout bounds readiness polling when none is configured.
const DefaultReadyTimeout = 5 * time.Minute

// Config is the provider step payload.
type Config struct {
	Channel              string                       `json:"channel,omitempty"`
	Bootstrap            bool                         `json:"bootstrap,omitempty"`
	Addons               []string                     `json:"addons,omitempty"`
	Features             map[string]map[string]string `json:"features,omitempty"`
	CredentialsFile      string                       `json:"credentials_file,omitempty"`
	ModelDefaults        map[string]string            `json:"model_defaults,omitempty"`
	BootstrapConstraints map[string]string            `json:"bootstrap_constraints,omitempty"`

	// KeepSnaps lists helper snaps found installed before prepare. Teardown leaves them.
	KeepSnaps []string `json:"keep_snaps,omitempty"`
}

// ParseConfig decodes provider step params.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, engine.NewConfigurationError("invalid provider parameters", err)
	}
	return cfg, nil
}

// Provider is one substrate. Install and Configure are idempotent.
type Provider interface {
	// Name is the provider name used in configuration and step IDs.
	Name() string

	// CloudName is the cloud juju bootstraps onto.
	CloudName() string

	// GroupName is the POSIX group granting access to the provider, if any.
	GroupName() string

	// Bootstrap reports whether a controller is requested on this provider.
	Bootstrap() bool

	ModelDefaults() map[string]string
	BootstrapConstraints() map[string]string

	// Credentials returns the juju credential attributes, or nil when none are needed.
	Credentials(ctx context.Context) (map[string]any, error)

	// Snaps lists the snaps the provider installs.
	Snaps() []string

	// Present reports whether a working installation already exists on the host.
	Present(ctx context.Context) (bool, error)

	Install(ctx context.Context) error
	Configure(ctx context.Context) error

	// IsReady polls until the provider serves requests or timeout elapses.
	IsReady(ctx context.Context, timeout time.Duration) error

	// Teardown removes what Install added.
	Teardown(ctx context.Context) error

	// Config returns the effective configuration, recorded for teardown.
	Config() Config
}

// Deps are the host services providers work with.
type Deps struct {
	Worker system.Worker
	Snaps  *packages.SnapHandler
	Debs   *packages.DebHandler

	// Probe checks Kubernetes API reachability; nil skips the check.
	Probe KubeProbe

	Logger zerolog.Logger
}

// New creates the provider of the given kind.
func New(kind Kind, cfg Config, deps Deps) (Provider, error) {
	logger := deps.Logger.With().Str("component", "provider").Str("provider", string(kind)).Logger()
	switch kind {
	case KindLXD:
		return newLXD(cfg, deps, logger), nil
	case KindMicroK8s:
		return newMicroK8s(cfg, deps, logger), nil
	case KindK8s:
		return newK8s(cfg, deps, logger), nil
	case KindGoogle:
		return newGoogle(cfg, deps, logger), nil
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown provider %q", kind), nil)
	}
}

// Outcome reports the effect of Prepare.
type Outcome struct {
	// PreExisting is set when the provider was already working before Prepare.
	PreExisting bool
}

// Prepare installs, configures and waits for a provider.
func Prepare(ctx context.Context, p Provider, readyTimeout time.Duration) (*Outcome, error) {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	present, err := p.Present(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect provider %s: %w", p.Name(), err)
	}
	if err := p.Install(ctx); err != nil {
		return nil, err
	}
	if err := p.Configure(ctx); err != nil {
		return nil, err
	}
	if err := p.IsReady(ctx, readyTimeout); err != nil {
		return nil, err
	}
	return &Outcome{PreExisting: present}, nil
}

// base carries the configuration shared by every variant.
type base struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

func (b *base) Config() Config                          { return b.cfg }
func (b *base) Bootstrap() bool                         { return b.cfg.Bootstrap }
func (b *base) ModelDefaults() map[string]string        { return b.cfg.ModelDefaults }
func (b *base) BootstrapConstraints() map[string]string { return b.cfg.BootstrapConstraints }

func (b *base) run(ctx context.Context, executable string, args ...string) ([]byte, error) {
	return b.deps.Worker.Run(ctx, system.NewCommand(executable, args...))
}

func (b *base) runWithRetries(ctx context.Context, maxDuration time.Duration, executable string, args ...string) ([]byte, error) {
	return b.deps.Worker.RunWithRetries(ctx, system.NewCommand(executable, args...), maxDuration)
}

// providerError tags an error with the provider failure code.
func providerError(name, msg string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := engine.ClassOf(err); ok {
		return err
	}
	return engine.NewFatalError(fmt.Sprintf("%s: %s", name, msg), err).
		WithCode(engine.ErrCodeProviderFailed)
}
