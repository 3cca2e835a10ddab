package config

import (
	"slices"

	"github.com/canonical/concierge/pkg/packages"
)

// Apply applies overrides to cfg in place.
func Apply(cfg *Config, o Overrides) {
	if o.DisableJuju {
		cfg.Juju.Disable = true
	}
	if o.JujuChannel != "" {
		cfg.Juju.Channel = o.JujuChannel
	}

	if o.LXDChannel != "" {
		cfg.Providers.LXD.Channel = o.LXDChannel
	}
	if o.MicroK8sChannel != "" {
		cfg.Providers.MicroK8s.Channel = o.MicroK8sChannel
	}
	if o.K8sChannel != "" {
		cfg.Providers.K8s.Channel = o.K8sChannel
	}
	if o.GoogleCredentialFile != "" {
		cfg.Providers.Google.CredentialsFile = o.GoogleCredentialFile
	}

	for name, channel := range map[string]string{
		"charmcraft": o.CharmcraftChannel,
		"snapcraft":  o.SnapcraftChannel,
		"rockcraft":  o.RockcraftChannel,
	} {
		if channel != "" {
			setSnapChannel(cfg, name, channel)
		}
	}

	for _, ref := range o.ExtraSnaps {
		pkg := packages.ParseSnapRef(ref)
		if _, ok := cfg.Host.Snaps[pkg.Name]; !ok || pkg.Channel != "" {
			setSnapChannel(cfg, pkg.Name, pkg.Channel)
		}
	}

	for _, deb := range o.ExtraDebs {
		if !slices.Contains(cfg.Host.Packages, deb) {
			cfg.Host.Packages = append(cfg.Host.Packages, deb)
		}
	}
}

// setSnapChannel sets the channel of a host snap, adding the snap when missing.
func setSnapChannel(cfg *Config, name, channel string) {
	if cfg.Host.Snaps == nil {
		cfg.Host.Snaps = make(map[string]SnapConfig)
	}
	s := cfg.Host.Snaps[name]
	s.Channel = channel
	cfg.Host.Snaps[name] = s
}
