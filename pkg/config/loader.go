package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/canonical/concierge/pkg/engine"
)

// DefaultFile is the configuration file looked up in the working directory.
const DefaultFile = "concierge.yaml"

// DefaultPreset is used when no preset or configuration file is found.
const DefaultPreset = "dev"

// SourceKind says where a configuration came from.
type SourceKind string

const (
	SourcePreset  SourceKind = "preset"
	SourceFile    SourceKind = "file"
	SourceDefault SourceKind = "default"
)

// Source identifies the loaded configuration.
type Source struct {
	Kind SourceKind
	Name string
}

func (s Source) String() string { return string(s.Kind) + ":" + s.Name }

// LoadOptions select the configuration to load.
type LoadOptions struct {
	// Preset wins over ConfigFile.
	Preset string

	ConfigFile string

	// WorkDir is searched for concierge.yaml. Defaults to the current directory.
	WorkDir string

	Overrides *Overrides
}

var (
	channelPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+(/[A-Za-z0-9._-]+){0,2}$`)
	snapPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	debPattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+$`)
)

// Loader reads, validates and resolves configurations.
type Loader struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewLoader creates a Loader.
func NewLoader(logger zerolog.Logger) *Loader {
	v := validator.New()
	must := func(tag string, re *regexp.Regexp) {
		if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		}); err != nil {
			panic(err)
		}
	}
	must("channel", channelPattern)
	must("snapname", snapPattern)
	must("debname", debPattern)

	return &Loader{
		schemas:  NewSchemaRegistry(),
		validate: v,
		logger:   logger.With().Str("component", "config").Logger(),
	}
}

// Load resolves the configuration: preset, then explicit file, then ./concierge.yaml,
// else the dev preset. Overrides are applied and the result is validated.
func (l *Loader) Load(ctx context.Context, opts LoadOptions) (*Config, Source, error) {
	var (
		cfg *Config
		src Source
		err error
	)

	switch {
	case opts.Preset != "":
		l.logger.Info().Str("preset", opts.Preset).Msg("Loading preset")
		cfg, err = Preset(opts.Preset)
		if err != nil {
			return nil, src, engine.NewConfigurationError(err.Error(), nil)
		}
		src = Source{Kind: SourcePreset, Name: opts.Preset}

	case opts.ConfigFile != "":
		cfg, err = l.LoadFile(ctx, opts.ConfigFile)
		if err != nil {
			return nil, src, err
		}
		src = Source{Kind: SourceFile, Name: opts.ConfigFile}

	default:
		path := filepath.Join(opts.WorkDir, DefaultFile)
		if _, statErr := os.Stat(path); statErr == nil {
			cfg, err = l.LoadFile(ctx, path)
			if err != nil {
				return nil, src, err
			}
			src = Source{Kind: SourceFile, Name: path}
		} else {
			l.logger.Info().Str("preset", DefaultPreset).Msg("No config file found, using default preset")
			cfg, _ = Preset(DefaultPreset)
			src = Source{Kind: SourceDefault, Name: DefaultPreset}
		}
	}

	if opts.Overrides != nil {
		if err := l.validateStruct(opts.Overrides); err != nil {
			return nil, src, err
		}
		Apply(cfg, *opts.Overrides)
	}
	if err := l.Validate(cfg); err != nil {
		return nil, src, err
	}
	return cfg, src, nil
}

// LoadFile reads and parses a configuration file.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Config, error) {
	l.logger.Info().Str("path", path).Msg("Loading configuration file")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, engine.NewConfigurationError(fmt.Sprintf("configuration file not found: %s", path), nil)
	}
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("failed to read configuration file %s", path), err)
	}
	return l.Parse(ctx, data)
}

// Parse decodes a YAML document after checking it against the CUE schema.
// An empty document is an empty configuration.
func (l *Loader) Parse(ctx context.Context, data []byte) (*Config, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, engine.NewConfigurationError("invalid YAML in configuration", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if _, ok := doc.(map[string]interface{}); !ok {
		return nil, engine.NewConfigurationError("configuration must be a YAML mapping", nil)
	}

	if err := l.schemas.ValidateAgainstSchema(ctx, "config", doc); err != nil {
		return nil, engine.NewConfigurationError("configuration does not match the schema", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, engine.NewConfigurationError("failed to decode configuration", err)
	}
	return cfg, nil
}

// Validate checks struct-level constraints.
func (l *Loader) Validate(cfg *Config) error {
	return l.validateStruct(cfg)
}

func (l *Loader) validateStruct(v interface{}) error {
	err := l.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return engine.NewConfigurationError("failed to validate configuration", err)
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("value %q fails %q", fmt.Sprint(fe.Value()), fe.Tag()),
		})
	}
	return engine.NewConfigurationError("invalid configuration", out)
}

// Marshal renders a configuration as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return out, nil
}

// EnvOverrides reads CONCIERGE_* variables through getenv.
func EnvOverrides(getenv func(string) string) Overrides {
	get := func(key string) string {
		return strings.TrimSpace(getenv("CONCIERGE_" + strings.ToUpper(key)))
	}
	list := func(key string) []string {
		var out []string
		for _, item := range strings.Split(get(key), ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out
	}
	boolean := func(key string) bool {
		switch strings.ToLower(get(key)) {
		case "1", "true", "yes":
			return true
		}
		return false
	}

	return Overrides{
		DisableJuju:          boolean("disable_juju"),
		JujuChannel:          get("juju_channel"),
		K8sChannel:           get("k8s_channel"),
		MicroK8sChannel:      get("microk8s_channel"),
		LXDChannel:           get("lxd_channel"),
		CharmcraftChannel:    get("charmcraft_channel"),
		SnapcraftChannel:     get("snapcraft_channel"),
		RockcraftChannel:     get("rockcraft_channel"),
		GoogleCredentialFile: get("google_credential_file"),
		ExtraSnaps:           list("extra_snaps"),
		ExtraDebs:            list("extra_debs"),
	}
}

// Merge returns o with every field set in other taking precedence.
func (o Overrides) Merge(other Overrides) Overrides {
	pick := func(a, b string) string {
		if b != "" {
			return b
		}
		return a
	}
	return Overrides{
		DisableJuju:          o.DisableJuju || other.DisableJuju,
		JujuChannel:          pick(o.JujuChannel, other.JujuChannel),
		K8sChannel:           pick(o.K8sChannel, other.K8sChannel),
		MicroK8sChannel:      pick(o.MicroK8sChannel, other.MicroK8sChannel),
		LXDChannel:           pick(o.LXDChannel, other.LXDChannel),
		CharmcraftChannel:    pick(o.CharmcraftChannel, other.CharmcraftChannel),
		SnapcraftChannel:     pick(o.SnapcraftChannel, other.SnapcraftChannel),
		RockcraftChannel:     pick(o.RockcraftChannel, other.RockcraftChannel),
		GoogleCredentialFile: pick(o.GoogleCredentialFile, other.GoogleCredentialFile),
		ExtraSnaps:           append(append([]string(nil), o.ExtraSnaps...), other.ExtraSnaps...),
		ExtraDebs:            append(append([]string(nil), o.ExtraDebs...), other.ExtraDebs...),
	}
}

// ValidateSettings checks engine settings.
func (l *Loader) ValidateSettings(s Settings) error {
	return l.validateStruct(s)
}
