package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the declarative description of a charm development environment.
type Config struct {
	Juju      JujuConfig      `yaml:"juju" json:"juju"`
	Providers ProvidersConfig `yaml:"providers" json:"providers"`
	Host      HostConfig      `yaml:"host" json:"host"`
}

// JujuConfig configures the juju client and the controllers it bootstraps.
type JujuConfig struct {
	Disable              bool              `yaml:"disable,omitempty" json:"disable,omitempty"`
	Channel              string            `yaml:"channel,omitempty" json:"channel,omitempty" validate:"omitempty,channel"`
	AgentVersion         string            `yaml:"agent-version,omitempty" json:"agent-version,omitempty"`
	ModelDefaults        map[string]string `yaml:"model-defaults,omitempty" json:"model-defaults,omitempty"`
	BootstrapConstraints map[string]string `yaml:"bootstrap-constraints,omitempty" json:"bootstrap-constraints,omitempty"`
	ExtraBootstrapArgs   string            `yaml:"extra-bootstrap-args,omitempty" json:"extra-bootstrap-args,omitempty"`
}

// ProviderCommon holds the settings every provider accepts.
type ProviderCommon struct {
	Enable               bool              `yaml:"enable,omitempty" json:"enable,omitempty"`
	Bootstrap            bool              `yaml:"bootstrap,omitempty" json:"bootstrap,omitempty"`
	ModelDefaults        map[string]string `yaml:"model-defaults,omitempty" json:"model-defaults,omitempty"`
	BootstrapConstraints map[string]string `yaml:"bootstrap-constraints,omitempty" json:"bootstrap-constraints,omitempty"`
}

// LXDConfig configures the LXD provider.
type LXDConfig struct {
	ProviderCommon `yaml:",inline"`
	Channel        string `yaml:"channel,omitempty" json:"channel,omitempty" validate:"omitempty,channel"`
}

// GoogleConfig configures the Google Cloud provider.
type GoogleConfig struct {
	ProviderCommon  `yaml:",inline"`
	CredentialsFile string `yaml:"credentials-file,omitempty" json:"credentials-file,omitempty"`
}

// MicroK8sConfig configures the MicroK8s provider.
type MicroK8sConfig struct {
	ProviderCommon `yaml:",inline"`
	Channel        string   `yaml:"channel,omitempty" json:"channel,omitempty" validate:"omitempty,channel"`
	Addons         []string `yaml:"addons,omitempty" json:"addons,omitempty" validate:"dive,required"`
}

// K8sConfig configures the Canonical Kubernetes provider.
type K8sConfig struct {
	ProviderCommon `yaml:",inline"`
	Channel        string                       `yaml:"channel,omitempty" json:"channel,omitempty" validate:"omitempty,channel"`
	Features       map[string]map[string]string `yaml:"features,omitempty" json:"features,omitempty"`
}

// ProvidersConfig holds one section per provider.
type ProvidersConfig struct {
	LXD      LXDConfig      `yaml:"lxd,omitempty" json:"lxd"`
	Google   GoogleConfig   `yaml:"google,omitempty" json:"google"`
	MicroK8s MicroK8sConfig `yaml:"microk8s,omitempty" json:"microk8s"`
	K8s      K8sConfig      `yaml:"k8s,omitempty" json:"k8s"`
}

// SnapConfig configures one host snap.
type SnapConfig struct {
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty" validate:"omitempty,channel"`

	// Classic forces classic confinement on or off; unset follows the store.
	Classic *bool `yaml:"classic,omitempty" json:"classic,omitempty"`

	Connections []string `yaml:"connections,omitempty" json:"connections,omitempty" validate:"dive,required"`
}

// HostConfig lists the packages installed on the host.
type HostConfig struct {
	Packages []string              `yaml:"packages,omitempty" json:"packages,omitempty" validate:"dive,debname"`
	Snaps    map[string]SnapConfig `yaml:"snaps,omitempty" json:"snaps,omitempty" validate:"dive,keys,snapname,endkeys"`
}

// Overrides are settings given through flags or CONCIERGE_* environment variables.
// They are applied on top of the loaded configuration.
type Overrides struct {
	DisableJuju          bool
	JujuChannel          string `validate:"omitempty,channel"`
	K8sChannel           string `validate:"omitempty,channel"`
	MicroK8sChannel      string `validate:"omitempty,channel"`
	LXDChannel           string `validate:"omitempty,channel"`
	CharmcraftChannel    string `validate:"omitempty,channel"`
	SnapcraftChannel     string `validate:"omitempty,channel"`
	RockcraftChannel     string `validate:"omitempty,channel"`
	GoogleCredentialFile string
	ExtraSnaps           []string
	ExtraDebs            []string `validate:"dive,debname"`
}

// Settings tune the engine rather than the environment.
type Settings struct {
	// Concurrency is the maximum number of steps in flight.
	Concurrency int `validate:"min=1,max=64"`

	// BootstrapTimeout bounds each juju bootstrap step.
	BootstrapTimeout time.Duration `validate:"min=0"`

	// ReadyTimeout bounds provider readiness polling.
	ReadyTimeout time.Duration `validate:"min=0"`

	// StepTimeout bounds every other step. Zero means unbounded.
	StepTimeout time.Duration `validate:"min=0"`

	// StateFile is the SQLite state database.
	StateFile string

	// PolicyDir holds extra .rego plan policies.
	PolicyDir string
}

// Default settings.
const (
	DefaultConcurrency      = 4
	DefaultBootstrapTimeout = 5 * time.Minute
	DefaultReadyTimeout     = 5 * time.Minute
)

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Concurrency:      DefaultConcurrency,
		BootstrapTimeout: DefaultBootstrapTimeout,
		ReadyTimeout:     DefaultReadyTimeout,
	}
}

// ValidationError describes one problem found in a configuration document.
type ValidationError struct {
	// Path is the dotted location of the offending value.
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is returned when a document fails validation.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
