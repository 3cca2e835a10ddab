package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/canonical/concierge/pkg/config"
	"github.com/canonical/concierge/pkg/engine"
)

// Exit codes returned by the concierge binary.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitPolicyDenied  = 3
	ExitInterrupted   = 130
)

// BuildInfo is set via ldflags during build.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	preset     string
	verbose    bool
	trace      bool
	dryRun     bool

	concurrency      int
	timeout          time.Duration
	bootstrapTimeout time.Duration
	readyTimeout     time.Duration

	stateFile    string
	policyDir    string
	skipPolicies []string
	metricsFile  string

	traceExporter string
	otlpEndpoint  string

	overrides config.Overrides

	build  BuildInfo
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
}

// errInterrupted is returned when a signal stopped a run before every step was dispatched.
var errInterrupted = errors.New("interrupted")

// Execute runs the root command.
func Execute(ctx context.Context, build BuildInfo) error {
	rootCmd := newRootCommand(build, os.Stdout, os.Stderr, os.Getenv)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, errInterrupted) || errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Code == engine.ErrCodePolicyDenied {
		return ExitPolicyDenied
	}
	if engine.IsConfiguration(err) {
		return ExitConfiguration
	}
	return ExitFailure
}

func newRootCommand(build BuildInfo, stdout, stderr io.Writer, getenv func(string) string) *cobra.Command {
	opts := &globalOptions{build: build, stdout: stdout, stderr: stderr, getenv: getenv}

	rootCmd := &cobra.Command{
		Use:   "concierge",
		Short: "Concierge - charm development environment provisioning",
		Long: `Concierge prepares a machine for charm development and restores it afterwards.

It installs snaps and Debian packages, sets up providers (LXD, MicroK8s,
Canonical Kubernetes, Google Cloud), installs juju and bootstraps a controller
on each provider. Every change is recorded so that restore removes exactly
what prepare added.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", build.Version, build.Commit, build.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return engine.NewConfigurationError(err.Error(), nil)
	})

	defaults := config.DefaultSettings()
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "path to a concierge.yaml configuration file")
	flags.StringVarP(&opts.preset, "preset", "p", "", "configuration preset (machine, k8s, microk8s, dev, crafts)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&opts.trace, "trace", false, "print every executed command and its output")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "show the plan without changing the machine")
	flags.IntVar(&opts.concurrency, "concurrency", defaults.Concurrency, "maximum number of steps in flight")
	flags.DurationVar(&opts.timeout, "timeout", 0, "timeout of each step (0 means unbounded)")
	flags.DurationVar(&opts.bootstrapTimeout, "bootstrap-timeout", defaults.BootstrapTimeout, "timeout of each juju bootstrap")
	flags.DurationVar(&opts.readyTimeout, "ready-timeout", defaults.ReadyTimeout, "how long to wait for a provider to become ready")
	flags.StringVar(&opts.stateFile, "state-file", "", "state database (default ~/.cache/concierge/state.db)")
	flags.StringVar(&opts.policyDir, "policy-dir", "", "directory of extra .rego plan policies")
	flags.StringSliceVar(&opts.skipPolicies, "skip-policy", nil, "plan policy to skip (repeatable)")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	flags.StringVar(&opts.traceExporter, "trace-exporter", "none", "OpenTelemetry span exporter (none, stdout, otlp)")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint for --trace-exporter=otlp")

	o := &opts.overrides
	flags.BoolVar(&o.DisableJuju, "disable-juju", false, "skip juju installation and bootstrap")
	flags.StringVar(&o.JujuChannel, "juju-channel", "", "override the juju snap channel")
	flags.StringVar(&o.LXDChannel, "lxd-channel", "", "override the lxd snap channel")
	flags.StringVar(&o.MicroK8sChannel, "microk8s-channel", "", "override the microk8s snap channel")
	flags.StringVar(&o.K8sChannel, "k8s-channel", "", "override the k8s snap channel")
	flags.StringVar(&o.CharmcraftChannel, "charmcraft-channel", "", "override the charmcraft snap channel")
	flags.StringVar(&o.SnapcraftChannel, "snapcraft-channel", "", "override the snapcraft snap channel")
	flags.StringVar(&o.RockcraftChannel, "rockcraft-channel", "", "override the rockcraft snap channel")
	flags.StringVar(&o.GoogleCredentialFile, "google-credential-file", "", "credentials file for the google provider")
	flags.StringSliceVar(&o.ExtraSnaps, "extra-snaps", nil, "extra snaps to install, as name or name/channel")
	flags.StringSliceVar(&o.ExtraDebs, "extra-debs", nil, "extra Debian packages to install")

	rootCmd.AddCommand(newPrepareCommand(opts))
	rootCmd.AddCommand(newRestoreCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newPlanCommand(opts))

	return rootCmd
}

// settings resolves engine settings from flags and the environment.
func (o *globalOptions) settings(home string) config.Settings {
	s := config.Settings{
		Concurrency:      o.concurrency,
		BootstrapTimeout: o.bootstrapTimeout,
		ReadyTimeout:     o.readyTimeout,
		StepTimeout:      o.timeout,
		StateFile:        o.stateFile,
		PolicyDir:        o.policyDir,
	}
	if s.StateFile == "" {
		s.StateFile = o.getenv("CONCIERGE_STATE_FILE")
	}
	if s.StateFile == "" {
		s.StateFile = statePath(home)
	}
	if s.PolicyDir == "" {
		s.PolicyDir = o.getenv("CONCIERGE_POLICY_DIR")
	}
	return s
}

// explicitConfig reports whether a preset or file was requested.
func (o *globalOptions) explicitConfig() bool {
	return o.preset != "" || o.configFile != ""
}

// overridesWithEnv merges CONCIERGE_* variables under the flag overrides.
func (o *globalOptions) overridesWithEnv() config.Overrides {
	return config.EnvOverrides(o.getenv).Merge(o.overrides)
}
