package commands

import (
	"github.com/spf13/cobra"

	"github.com/canonical/concierge/pkg/engine"
)

func newPrepareCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Provision the machine for charm development",
		Long: `Provision the machine according to the configuration.

This command:
  - Resolves the configuration (preset, file, ./concierge.yaml or the dev preset)
  - Builds a plan of snap, package, provider, juju and bootstrap steps
  - Checks the plan against the built-in and --policy-dir policies
  - Runs independent steps concurrently, recording every change it makes
  - Adopts subsystems that already exist without recording them for removal

Running prepare again on a prepared machine changes nothing.`,
		Example: `  # Prepare with the dev preset
  sudo concierge prepare -p dev

  # Prepare from a file, overriding the juju channel
  sudo concierge prepare -c concierge.yaml --juju-channel 3.6/stable

  # Show what would be done
  concierge prepare -p machine --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			cfg, src, err := loadConfig(ctx, opts, a.loader)
			if err != nil {
				return err
			}
			a.logger.Info().Str("source", src.String()).Msg("Configuration loaded")

			in, err := cfg.PlanInput(a.settings)
			if err != nil {
				return err
			}
			plan, err := engine.BuildPlan(in)
			if err != nil {
				return err
			}

			policies, err := newPolicyEngine(ctx, a.logger, a.settings.PolicyDir, opts.skipPolicies)
			if err != nil {
				return err
			}
			verdict, err := checkPlan(ctx, policies, a.logger, engine.RunKindPrepare, plan, a.worker.Username())
			if opts.dryRun {
				renderPlan(opts.stdout, engine.RunKindPrepare, plan)
				renderPolicy(opts.stdout, verdict)
				return err
			}
			if err != nil {
				return err
			}

			runOpts, err := a.runOptions(cfg)
			if err != nil {
				return err
			}

			a.showProgress()
			ctx, finish := a.telemetry.Observer.StartRun(ctx, engine.RunKindPrepare)
			result, err := a.manager.Run(ctx, plan, runOpts)
			finish(result, err)
			if err != nil {
				return err
			}

			renderResult(opts.stdout, result)
			return runError(result)
		},
	}
	return cmd
}
