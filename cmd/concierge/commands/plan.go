package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/canonical/concierge/pkg/config"
	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/policy"
	"github.com/canonical/concierge/pkg/system"
)

// planOutput is the JSON form of a dry-run plan.
type planOutput struct {
	Source   string         `json:"source"`
	Plan     *engine.Plan   `json:"plan"`
	Policies []string       `json:"policies"`
	Policy   *policy.Result `json:"policy"`
}

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var (
		dotOutput  bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the steps prepare would run",
		Long: `Resolve the configuration and print the prepare plan without touching the machine.

Steps are grouped by execution level: steps on the same level have no
dependencies between them and run concurrently. The plan is checked against
the policies; a denial exits with status 3.`,
		Example: `  # Show the plan of the k8s preset
  concierge plan -p k8s

  # Render the dependency graph
  concierge plan -p dev --dot | dot -Tsvg > plan.svg

  # Machine-readable plan
  concierge plan -c concierge.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dotOutput && jsonOutput {
				return engine.NewConfigurationError("--dot and --json are mutually exclusive", nil)
			}

			t, err := opts.newTelemetry(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = t.Shutdown(ctx) }()
			logger := t.Logger.Zerolog()

			worker := system.New(system.Options{Logger: logger})
			loader := config.NewLoader(logger)
			settings := opts.settings(worker.HomeDir())
			if err := loader.ValidateSettings(settings); err != nil {
				return err
			}

			cfg, src, err := loadConfig(ctx, opts, loader)
			if err != nil {
				return err
			}
			in, err := cfg.PlanInput(settings)
			if err != nil {
				return err
			}
			plan, err := engine.BuildPlan(in)
			if err != nil {
				return err
			}

			policies, err := newPolicyEngine(ctx, logger, settings.PolicyDir, opts.skipPolicies)
			if err != nil {
				return err
			}
			verdict, policyErr := checkPlan(ctx, policies, logger, engine.RunKindPrepare, plan, worker.Username())
			if verdict == nil {
				return policyErr
			}

			switch {
			case dotOutput:
				dag := engine.NewDAGBuilder()
				if _, err := dag.BuildGraph(plan.Steps); err != nil {
					return err
				}
				fmt.Fprint(opts.stdout, dag.ToDOT())
			case jsonOutput:
				enc := json.NewEncoder(opts.stdout)
				enc.SetIndent("", "  ")
				out := planOutput{Source: src.String(), Plan: plan, Policies: policies.EnabledPolicies(), Policy: verdict}
				if err := enc.Encode(out); err != nil {
					return fmt.Errorf("failed to encode plan: %w", err)
				}
			default:
				fmt.Fprintln(opts.stdout, dimStyle.Render("configuration: "+src.String()))
				fmt.Fprintln(opts.stdout, dimStyle.Render("policies: "+strings.Join(policies.EnabledPolicies(), ", ")))
				renderPlan(opts.stdout, engine.RunKindPrepare, plan)
				renderPolicy(opts.stdout, verdict)
			}
			return policyErr
		},
	}

	cmd.Flags().BoolVar(&dotOutput, "dot", false, "output the dependency graph in Graphviz DOT format")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	return cmd
}
