// Package juju installs the juju client and bootstraps controllers onto providers.
package juju

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/providers"
	"github.com/canonical/concierge/pkg/retry"
	"github.com/canonical/concierge/pkg/system"
)

const (
	dataDir         = ".local/share/juju"
	credentialsFile = dataDir + "/credentials.yaml"
	testingModel    = "testing"
	bootstrapBudget = 5 * time.Minute
)

// Config is the juju step payload.
type Config struct {
	Channel              string            `json:"channel,omitempty"`
	AgentVersion         string            `json:"agent_version,omitempty"`
	ModelDefaults        map[string]string `json:"model_defaults,omitempty"`
	BootstrapConstraints map[string]string `json:"bootstrap_constraints,omitempty"`
	ExtraBootstrapArgs   string            `json:"extra_bootstrap_args,omitempty"`
}

// BootstrapParams is the bootstrap step payload. It carries everything
// needed to bootstrap or kill the controller without the original configuration.
type BootstrapParams struct {
	Provider       string           `json:"provider"`
	ProviderConfig providers.Config `json:"provider_config"`
	Juju           Config           `json:"juju"`
}

// ParseConfig decodes juju step params.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, engine.NewConfigurationError("invalid juju parameters", err)
	}
	return cfg, nil
}

// ParseBootstrapParams decodes bootstrap step params.
func ParseBootstrapParams(raw json.RawMessage) (BootstrapParams, error) {
	var p BootstrapParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, engine.NewConfigurationError("invalid bootstrap parameters", err)
	}
	if p.Provider == "" {
		return p, engine.NewConfigurationError("bootstrap parameters name no provider", nil)
	}
	return p, nil
}

// ControllerName returns the controller concierge manages on a provider.
func ControllerName(provider string) string {
	return "concierge-" + provider
}

// Handler manages the juju client and its controllers.
type Handler struct {
	worker      system.Worker
	snaps       *packages.SnapHandler
	logger      zerolog.Logger
	arch        string
	checkPolicy retry.Policy
}

// Option configures a Handler.
type Option func(*Handler)

// WithArch overrides the host architecture used for the arch constraint.
func WithArch(arch string) Option {
	return func(h *Handler) { h.arch = arch }
}

// WithCheckPolicy overrides the retry policy of controller lookups.
func WithCheckPolicy(p retry.Policy) Option {
	return func(h *Handler) { h.checkPolicy = p }
}

// NewHandler creates a Handler.
func NewHandler(worker system.Worker, snaps *packages.SnapHandler, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		worker: worker,
		snaps:  snaps,
		logger: logger.With().Str("component", "juju").Logger(),
		arch:   jujuArch(runtime.GOARCH),
		checkPolicy: retry.Policy{
			MaxAttempts:     10,
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
			Multiplier:      2,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// jujuArch maps a Go architecture to the name juju uses.
func jujuArch(goarch string) string {
	switch goarch {
	case "ppc64le":
		return "ppc64el"
	default:
		return goarch
	}
}

// Install installs the juju snap and creates its data directory.
func (h *Handler) Install(ctx context.Context, cfg Config) (*packages.Result, error) {
	res, err := h.snaps.Install(ctx, packages.Package{Name: "juju", Channel: cfg.Channel})
	if err != nil {
		return nil, err
	}
	if err := h.worker.MkHomeSubdir(dataDir); err != nil {
		return nil, err
	}
	return res, nil
}

// Uninstall removes the juju data directory and the snap.
func (h *Handler) Uninstall(ctx context.Context) error {
	if err := h.worker.RemoveAllHome(dataDir); err != nil {
		return err
	}
	if err := h.snaps.Remove(ctx, "juju"); err != nil {
		return err
	}
	h.logger.Info().Msg("Restored Juju")
	return nil
}

// Bootstrap creates the concierge controller on a provider and adds the testing model.
// It reports true when the controller already existed.
func (h *Handler) Bootstrap(ctx context.Context, p providers.Provider, cfg Config) (bool, error) {
	controller := ControllerName(p.Name())
	logger := h.logger.With().Str("provider", p.Name()).Str("controller", controller).Logger()

	exists, err := h.ControllerExists(ctx, controller)
	if err != nil {
		return false, err
	}
	if exists {
		logger.Info().Msg("Previous Juju controller found")
		return true, nil
	}

	creds, err := p.Credentials(ctx)
	if err != nil {
		return false, err
	}
	if len(creds) > 0 {
		if err := h.writeCredentials(p.CloudName(), creds); err != nil {
			return false, err
		}
	}

	args, err := h.bootstrapArgs(p, cfg)
	if err != nil {
		return false, err
	}

	logger.Info().Msg("Bootstrapping Juju")
	user := h.worker.Username()
	cmd := system.NewCommand("juju", args...).AsUser(user, p.GroupName())
	if _, err := h.worker.RunWithRetries(ctx, cmd, bootstrapBudget); err != nil {
		return false, engine.NewFatalError("juju bootstrap failed", err).
			WithCode(engine.ErrCodeBootstrapFailed).
			WithDetail("controller", controller)
	}

	cmd = system.NewCommand("juju", "add-model", "-c", controller, testingModel).AsUser(user, "")
	if _, err := h.worker.Run(ctx, cmd); err != nil {
		return false, fmt.Errorf("failed to add %s model: %w", testingModel, err)
	}

	logger.Info().Msg("Bootstrapped Juju")
	return false, nil
}

// bootstrapArgs builds the juju bootstrap arguments. Provider settings win over
// global ones; keys are emitted in sorted order.
func (h *Handler) bootstrapArgs(p providers.Provider, cfg Config) ([]string, error) {
	args := []string{"bootstrap", p.CloudName(), ControllerName(p.Name()), "--verbose"}
	if cfg.AgentVersion != "" {
		args = append(args, "--agent-version", cfg.AgentVersion)
	}

	defaults := merge(cfg.ModelDefaults, p.ModelDefaults())
	for _, k := range sortedKeys(defaults) {
		args = append(args, "--model-default", k+"="+defaults[k])
	}

	constraints := merge(cfg.BootstrapConstraints, p.BootstrapConstraints())
	if _, ok := constraints["arch"]; !ok && h.arch != "" {
		constraints["arch"] = h.arch
	}
	for _, k := range sortedKeys(constraints) {
		args = append(args, "--bootstrap-constraints", k+"="+constraints[k])
	}

	if strings.TrimSpace(cfg.ExtraBootstrapArgs) != "" {
		extra, err := shlex.Split(cfg.ExtraBootstrapArgs)
		if err != nil {
			return nil, engine.NewConfigurationError("invalid extra bootstrap arguments", err)
		}
		args = append(args, extra...)
	}
	return args, nil
}

// ControllerExists reports whether juju knows the controller. Lookups are retried,
// except when juju says the controller does not exist.
func (h *Handler) ControllerExists(ctx context.Context, controller string) (bool, error) {
	cmd := system.NewCommand("juju", "show-controller", controller).AsUser(h.worker.Username(), "")
	notFound := fmt.Sprintf("controller %s not found", controller)

	policy := h.checkPolicy
	policy.Retryable = func(err error) bool {
		var ce *system.CommandError
		return errors.As(err, &ce) && ce.Temporary()
	}
	return retry.DoValue(ctx, policy, func(ctx context.Context) (bool, error) {
		_, err := h.worker.Run(ctx, cmd)
		if err == nil {
			return true, nil
		}
		var ce *system.CommandError
		if errors.As(err, &ce) && strings.Contains(ce.Output, notFound) {
			return false, nil
		}
		return false, err
	})
}

// KillController destroys the concierge controller of a provider, if it exists.
func (h *Handler) KillController(ctx context.Context, provider string) error {
	controller := ControllerName(provider)
	exists, err := h.ControllerExists(ctx, controller)
	if err != nil {
		return err
	}
	if !exists {
		h.logger.Info().Str("provider", provider).Msg("No Juju controller found")
		return nil
	}

	h.logger.Info().Str("provider", provider).Msg("Destroying Juju controller")
	cmd := system.NewCommand("juju", "kill-controller", "--verbose", "--no-prompt", controller).
		AsUser(h.worker.Username(), "")
	if _, err := h.worker.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to destroy controller %s: %w", controller, err)
	}
	h.logger.Info().Str("provider", provider).Msg("Destroyed Juju controller")
	return nil
}

func merge(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
