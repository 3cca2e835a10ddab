package commands

import (
	"github.com/spf13/cobra"

	"github.com/canonical/concierge/pkg/config"
	"github.com/canonical/concierge/pkg/engine"
)

func newRestoreCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Undo the changes made by prepare",
		Long: `Reverse every change recorded by previous prepare runs.

Records are torn down newest first; a record is removed only after everything
installed on top of it. Subsystems that existed before prepare are left alone.
Each record is deleted as soon as its teardown succeeds, so an interrupted
restore can simply be run again.

Without --config or --preset the configuration recorded by the last prepare
is used.`,
		Example: `  # Restore the machine
  sudo concierge restore

  # Show what would be removed
  concierge restore --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			var cfg *config.Config
			if opts.explicitConfig() {
				cfg, _, err = loadConfig(ctx, opts, a.loader)
			} else {
				cfg, err = a.lastPrepareConfig(ctx)
			}
			if err != nil {
				return err
			}
			if cfg == nil {
				a.logger.Debug().Msg("No prepare configuration recorded")
			}

			records, err := a.store.ListRecords(ctx)
			if err != nil {
				return engine.NewFatalError("failed to list install records", err).WithCode(engine.ErrCodeStateStore)
			}
			plan, err := engine.ReversePlan(records)
			if err != nil {
				return err
			}

			policies, err := newPolicyEngine(ctx, a.logger, a.settings.PolicyDir, opts.skipPolicies)
			if err != nil {
				return err
			}
			verdict, err := checkPlan(ctx, policies, a.logger, engine.RunKindRestore, plan, a.worker.Username())
			if opts.dryRun {
				renderPlan(opts.stdout, engine.RunKindRestore, plan)
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

			ctx, finish := a.telemetry.Observer.StartRun(ctx, engine.RunKindRestore)
			result, err := a.manager.Restore(ctx, runOpts)
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
