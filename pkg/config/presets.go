package config

import (
	"fmt"
	"strings"
)

// PresetNames lists the built-in presets in display order.
var PresetNames = []string{"machine", "k8s", "microk8s", "dev", "crafts"}

var presets = map[string]func() *Config{
	"machine":  machinePreset,
	"k8s":      k8sPreset,
	"microk8s": microk8sPreset,
	"dev":      devPreset,
	"crafts":   craftsPreset,
}

// Preset returns a fresh copy of a built-in preset.
func Preset(name string) (*Config, error) {
	build, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q, available presets: %s", name, strings.Join(PresetNames, ", "))
	}
	return build(), nil
}

func defaultJuju() JujuConfig {
	return JujuConfig{
		ModelDefaults: map[string]string{
			"test-mode":                 "true",
			"automatically-retry-hooks": "false",
		},
	}
}

func defaultHost(extra map[string]SnapConfig) HostConfig {
	snaps := map[string]SnapConfig{
		"charmcraft": {Channel: "latest/stable"},
		"jq":         {Channel: "latest/stable"},
		"yq":         {Channel: "latest/stable"},
	}
	for name, s := range extra {
		snaps[name] = s
	}
	return HostConfig{
		Packages: []string{"python3-pip", "python3-venv"},
		Snaps:    snaps,
	}
}

func defaultLXD() LXDConfig {
	return LXDConfig{ProviderCommon: ProviderCommon{Enable: true, Bootstrap: true}}
}

// buildOnlyLXD is enabled for building artifacts without a controller.
func buildOnlyLXD() LXDConfig {
	return LXDConfig{ProviderCommon: ProviderCommon{Enable: true}}
}

func defaultMicroK8s() MicroK8sConfig {
	return MicroK8sConfig{
		ProviderCommon: ProviderCommon{Enable: true, Bootstrap: true},
		Addons:         []string{"hostpath-storage", "dns", "rbac", "metallb:10.64.140.43-10.64.140.49"},
	}
}

func defaultK8s() K8sConfig {
	return K8sConfig{
		ProviderCommon: ProviderCommon{
			Enable:               true,
			Bootstrap:            true,
			BootstrapConstraints: map[string]string{"root-disk": "2G"},
		},
		Features: map[string]map[string]string{
			"load-balancer": {"l2-mode": "true", "cidrs": "10.43.45.0/28"},
			"local-storage": {},
			"network":       {},
		},
	}
}

func latest() SnapConfig { return SnapConfig{Channel: "latest/stable"} }

func machinePreset() *Config {
	return &Config{
		Juju:      defaultJuju(),
		Providers: ProvidersConfig{LXD: defaultLXD()},
		Host:      defaultHost(map[string]SnapConfig{"snapcraft": latest()}),
	}
}

func k8sPreset() *Config {
	return &Config{
		Juju:      defaultJuju(),
		Providers: ProvidersConfig{LXD: buildOnlyLXD(), K8s: defaultK8s()},
		Host:      defaultHost(map[string]SnapConfig{"rockcraft": latest()}),
	}
}

func microk8sPreset() *Config {
	return &Config{
		Juju:      defaultJuju(),
		Providers: ProvidersConfig{LXD: buildOnlyLXD(), MicroK8s: defaultMicroK8s()},
		Host:      defaultHost(map[string]SnapConfig{"rockcraft": latest()}),
	}
}

func devPreset() *Config {
	return &Config{
		Juju:      defaultJuju(),
		Providers: ProvidersConfig{LXD: defaultLXD(), K8s: defaultK8s()},
		Host: defaultHost(map[string]SnapConfig{
			"rockcraft": latest(),
			"snapcraft": latest(),
			"jhack": {
				Channel:     "latest/stable",
				Connections: []string{"jhack:dot-local-share-juju"},
			},
		}),
	}
}

func craftsPreset() *Config {
	return &Config{
		Juju:      JujuConfig{Disable: true},
		Providers: ProvidersConfig{LXD: defaultLXD()},
		Host: defaultHost(map[string]SnapConfig{
			"rockcraft": latest(),
			"snapcraft": latest(),
		}),
	}
}
