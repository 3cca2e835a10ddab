package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/canonical/concierge/pkg/config"
	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/providers"
	"github.com/canonical/concierge/pkg/stores"
)

// statusReadyTimeout bounds the readiness check of each provider.
const statusReadyTimeout = 5 * time.Second

// runEventLimit caps the timeline shown for one run.
const runEventLimit = 500

// providerStatus is the readiness of one configured provider.
type providerStatus struct {
	Name string `json:"name"`

	// Installed is set when the provider's main snap is installed, whatever its state.
	Installed bool   `json:"installed"`
	Tracking  string `json:"tracking,omitempty"`

	// Present is set when the installation would be adopted as is.
	Present bool `json:"present"`

	// Drift explains why an installed provider is not present.
	Drift string `json:"drift,omitempty"`

	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// statusReport is what status shows. Nothing in it is changed by collecting it.
type statusReport struct {
	StateFile   string                 `json:"state_file"`
	LastPrepare *engine.RunEntry       `json:"last_prepare,omitempty"`
	LastRestore *engine.RunEntry       `json:"last_restore,omitempty"`
	Records     []engine.InstallRecord `json:"records"`
	Providers   []providerStatus       `json:"providers,omitempty"`

	// History lists recent runs, newest first.
	History []engine.RunEntry `json:"history,omitempty"`

	// Run and Events are set when one run is inspected.
	Run    *engine.RunEntry    `json:"run,omitempty"`
	Events []stores.EventEntry `json:"events,omitempty"`
}

// statusOptions select the optional parts of a status report.
type statusOptions struct {
	probe   bool
	history int
	runID   string
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var (
		watch      bool
		jsonOutput bool
		noProbe    bool
		history    int
		runID      string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last runs, install records and provider readiness",
		Long: `Show the state of the machine without changing it.

This command reports:
  - The status of the last prepare and restore runs
  - Every install record that restore would reverse
  - Whether each configured provider is present and ready

Providers come from --config or --preset, else from the last prepare.`,
		Example: `  # Show status
  concierge status

  # Follow a prepare running in another terminal
  concierge status --watch --no-probe

  # Show the timeline of one run
  concierge status --run 6f0c3b1e-2d4a-4c8e-9b7f-1a2e3d4c5b60`,
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

			if history < 0 {
				return engine.NewConfigurationError("--history must not be negative", nil)
			}
			sopts := statusOptions{probe: !noProbe, history: history, runID: runID}

			show := func() error {
				report, err := a.collectStatus(ctx, cfg, sopts)
				if err != nil {
					return err
				}
				if jsonOutput {
					enc := json.NewEncoder(opts.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(report)
				}
				renderStatus(opts.stdout, report)
				return nil
			}

			if err := show(); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			return newStateWatcher(a.settings.StateFile, a.logger, func() {
				if err := show(); err != nil {
					a.logger.Warn().Err(err).Msg("Failed to refresh status")
				}
			}).Run(ctx)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh whenever the state changes")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "skip provider readiness checks")
	cmd.Flags().IntVar(&history, "history", 5, "number of recent runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show the event timeline of a run")

	return cmd
}

// collectStatus reads the store and, when opts.probe is set, checks provider readiness.
func (a *app) collectStatus(ctx context.Context, cfg *config.Config, opts statusOptions) (*statusReport, error) {
	report := &statusReport{StateFile: a.settings.StateFile}

	var err error
	if report.LastPrepare, err = a.store.LastRun(ctx, engine.RunKindPrepare); err != nil {
		return nil, engine.NewFatalError("failed to read runs", err).WithCode(engine.ErrCodeStateStore)
	}
	if report.LastRestore, err = a.store.LastRun(ctx, engine.RunKindRestore); err != nil {
		return nil, engine.NewFatalError("failed to read runs", err).WithCode(engine.ErrCodeStateStore)
	}
	if report.Records, err = a.store.ListRecords(ctx); err != nil {
		return nil, engine.NewFatalError("failed to list install records", err).WithCode(engine.ErrCodeStateStore)
	}

	if opts.history > 0 {
		if report.History, err = a.store.ListRuns(ctx, opts.history, 0); err != nil {
			return nil, engine.NewFatalError("failed to list runs", err).WithCode(engine.ErrCodeStateStore)
		}
	}
	if opts.runID != "" {
		report.Run, err = a.store.GetRun(ctx, opts.runID)
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewConfigurationError(fmt.Sprintf("no run with ID %s", opts.runID), nil)
		}
		if err != nil {
			return nil, engine.NewFatalError("failed to read run", err).WithCode(engine.ErrCodeStateStore)
		}
		if report.Events, err = a.store.ListEvents(ctx, opts.runID, runEventLimit); err != nil {
			return nil, engine.NewFatalError("failed to list events", err).WithCode(engine.ErrCodeStateStore)
		}
	}

	if cfg == nil || !opts.probe {
		return report, nil
	}
	for _, kind := range cfg.EnabledProviders() {
		report.Providers = append(report.Providers, a.probeProvider(ctx, kind, cfg.ProviderConfig(kind)))
	}
	return report, nil
}

// probeProvider checks one provider with read-only operations.
func (a *app) probeProvider(ctx context.Context, kind providers.Kind, pcfg providers.Config) providerStatus {
	st := providerStatus{Name: string(kind)}

	p, err := providers.New(kind, pcfg, a.deps)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if snaps := p.Snaps(); len(snaps) > 0 && a.deps.Snaps != nil {
		info, err := a.deps.Snaps.LocalInfo(ctx, snaps[0])
		if err != nil {
			st.Error = err.Error()
			return st
		}
		st.Installed = info.Installed
		st.Tracking = info.TrackingChannel
	}
	if st.Present, err = p.Present(ctx); err != nil {
		st.Error = err.Error()
		return st
	}
	if !st.Present {
		if st.Installed {
			st.Drift = driftReason(pcfg, st.Tracking)
		}
		return st
	}
	if err := p.IsReady(ctx, statusReadyTimeout); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Ready = true
	return st
}

func driftReason(pcfg providers.Config, tracking string) string {
	if pcfg.Channel != "" && tracking != pcfg.Channel {
		return fmt.Sprintf("tracking %s, configured %s", tracking, pcfg.Channel)
	}
	return "installed but not running"
}

func renderStatus(w io.Writer, report *statusReport) {
	fmt.Fprintln(w, titleStyle.Render("concierge status"))
	fmt.Fprintln(w, dimStyle.Render("state: "+report.StateFile))

	fmt.Fprintln(w, sectionStyle.Render("Runs"))
	renderRun(w, engine.RunKindPrepare, report.LastPrepare)
	renderRun(w, engine.RunKindRestore, report.LastRestore)

	if len(report.History) > 0 {
		fmt.Fprintln(w, sectionStyle.Render(fmt.Sprintf("History (%d)", len(report.History))))
		for i := range report.History {
			renderRun(w, report.History[i].Kind, &report.History[i])
		}
	}

	renderRecords(w, report.Records)

	if report.Run != nil {
		fmt.Fprintln(w, sectionStyle.Render("Run "+report.Run.ID))
		renderRun(w, report.Run.Kind, report.Run)
		for _, e := range report.Events {
			target := e.StepID
			if target == "" {
				target = "-"
			}
			fmt.Fprintf(w, "  %s %-32s %-18s %s\n", dimStyle.Render(e.Timestamp.Local().Format(time.TimeOnly)),
				target, e.Type, e.Message)
		}
	}

	if len(report.Providers) == 0 {
		return
	}
	fmt.Fprintln(w, sectionStyle.Render("Providers"))
	for _, p := range report.Providers {
		switch {
		case p.Ready:
			fmt.Fprintf(w, "  %s %s\n", okStyle.Render(checkMark), p.Name)
		case p.Error != "":
			fmt.Fprintf(w, "  %s %s: %s\n", failedStyle.Render(crossMark), p.Name, p.Error)
		case p.Drift != "":
			fmt.Fprintf(w, "  %s %s %s\n", warningStyle.Render(warnMark), p.Name, warningStyle.Render(p.Drift))
		default:
			fmt.Fprintf(w, "  %s %s %s\n", dimStyle.Render(skipMark), p.Name, dimStyle.Render("not installed"))
		}
	}
}

func renderRun(w io.Writer, kind engine.RunKind, run *engine.RunEntry) {
	if run == nil {
		fmt.Fprintf(w, "  %-8s %s\n", kind, dimStyle.Render("never run"))
		return
	}
	style := warningStyle
	switch run.Status {
	case engine.RunStatusSucceeded:
		style = okStyle
	case engine.RunStatusFailed, engine.RunStatusInterrupted:
		style = failedStyle
	}
	fmt.Fprintf(w, "  %-8s %s %s\n", kind, style.Render(string(run.Status)),
		dimStyle.Render(run.StartedAt.Local().Format(time.DateTime)+" "+run.ID))
}
