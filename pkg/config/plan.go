package config

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/juju"
	"github.com/canonical/concierge/pkg/packages"
	"github.com/canonical/concierge/pkg/providers"
)

// enabledProvider pairs a provider kind with its step payload.
type enabledProvider struct {
	kind providers.Kind
	cfg  providers.Config
}

// EnabledProviders returns the enabled provider kinds in plan order.
func (c *Config) EnabledProviders() []providers.Kind {
	var kinds []providers.Kind
	for _, p := range c.providers() {
		kinds = append(kinds, p.kind)
	}
	return kinds
}

// ProviderConfig returns the step payload of one provider.
func (c *Config) ProviderConfig(kind providers.Kind) providers.Config {
	for _, p := range c.providers() {
		if p.kind == kind {
			return p.cfg
		}
	}
	return providers.Config{}
}

func (c *Config) providers() []enabledProvider {
	bootstrap := func(common ProviderCommon) bool { return common.Bootstrap && !c.Juju.Disable }

	var out []enabledProvider
	if p := c.Providers.LXD; p.Enable {
		out = append(out, enabledProvider{providers.KindLXD, providers.Config{
			Channel:              p.Channel,
			Bootstrap:            bootstrap(p.ProviderCommon),
			ModelDefaults:        p.ModelDefaults,
			BootstrapConstraints: p.BootstrapConstraints,
		}})
	}
	if p := c.Providers.MicroK8s; p.Enable {
		out = append(out, enabledProvider{providers.KindMicroK8s, providers.Config{
			Channel:              p.Channel,
			Bootstrap:            bootstrap(p.ProviderCommon),
			Addons:               p.Addons,
			ModelDefaults:        p.ModelDefaults,
			BootstrapConstraints: p.BootstrapConstraints,
		}})
	}
	if p := c.Providers.K8s; p.Enable {
		out = append(out, enabledProvider{providers.KindK8s, providers.Config{
			Channel:              p.Channel,
			Bootstrap:            bootstrap(p.ProviderCommon),
			Features:             p.Features,
			ModelDefaults:        p.ModelDefaults,
			BootstrapConstraints: p.BootstrapConstraints,
		}})
	}
	if p := c.Providers.Google; p.Enable {
		out = append(out, enabledProvider{providers.KindGoogle, providers.Config{
			Bootstrap:            bootstrap(p.ProviderCommon),
			CredentialsFile:      p.CredentialsFile,
			ModelDefaults:        p.ModelDefaults,
			BootstrapConstraints: p.BootstrapConstraints,
		}})
	}
	return out
}

// JujuParams returns the juju step payload.
func (c *Config) JujuParams() juju.Config {
	return juju.Config{
		Channel:              c.Juju.Channel,
		AgentVersion:         c.Juju.AgentVersion,
		ModelDefaults:        c.Juju.ModelDefaults,
		BootstrapConstraints: c.Juju.BootstrapConstraints,
		ExtraBootstrapArgs:   c.Juju.ExtraBootstrapArgs,
	}
}

// PlanInput resolves the configuration into planner input.
func (c *Config) PlanInput(s Settings) (engine.PlanInput, error) {
	var in engine.PlanInput

	jujuParams := c.JujuParams()
	for _, p := range c.providers() {
		params, err := encode(p.cfg)
		if err != nil {
			return in, err
		}
		// Snaps only reads static data, so no dependencies are needed
		prov, err := providers.New(p.kind, p.cfg, providers.Deps{Logger: zerolog.Nop()})
		if err != nil {
			return in, err
		}
		spec := engine.ProviderSpec{
			Name:      string(p.kind),
			Bootstrap: p.cfg.Bootstrap,
			Snaps:     prov.Snaps(),
			Params:    params,
			Timeout:   s.ReadyTimeout + s.StepTimeout,
		}
		if p.cfg.Bootstrap {
			spec.BootstrapParams, err = encode(juju.BootstrapParams{
				Provider:       string(p.kind),
				ProviderConfig: p.cfg,
				Juju:           jujuParams,
			})
			if err != nil {
				return in, err
			}
		}
		in.Providers = append(in.Providers, spec)
	}

	for name, snap := range c.Host.Snaps {
		var params json.RawMessage
		if snap.Channel != "" || snap.Classic != nil {
			raw, err := encode(packages.Params{Channel: snap.Channel, Classic: snap.Classic})
			if err != nil {
				return in, err
			}
			params = raw
		}
		in.Snaps = append(in.Snaps, engine.SnapSpec{
			Name:        name,
			Params:      params,
			Connections: snap.Connections,
		})
	}

	for _, name := range c.Host.Packages {
		in.Debs = append(in.Debs, engine.PackageSpec{Name: name})
	}

	if !c.Juju.Disable {
		params, err := encode(jujuParams)
		if err != nil {
			return in, err
		}
		in.Juju = &engine.JujuSpec{Params: params, BootstrapTimeout: s.BootstrapTimeout}
	}
	return in, nil
}

func encode(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, engine.NewFatalError("failed to encode step parameters", err).WithCode(engine.ErrCodeInternal)
	}
	return raw, nil
}
