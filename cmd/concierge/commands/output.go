package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/canonical/concierge/pkg/engine"
	"github.com/canonical/concierge/pkg/policy"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")

	titleStyle   = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBlue).MarginTop(1)
	okStyle      = lipgloss.NewStyle().Foreground(colorGreen)
	failedStyle  = lipgloss.NewStyle().Foreground(colorRed)
	warningStyle = lipgloss.NewStyle().Foreground(colorYellow)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
)

const (
	checkMark = "[OK]"
	crossMark = "[!!]"
	skipMark  = "[--]"
	warnMark  = "[??]"
	keptMark  = "[==]"
)

// stepMark returns the styled marker of a step status.
func stepMark(r engine.StepResult) string {
	switch {
	case r.Status == engine.StepStatusSucceeded && r.PreExisting:
		return dimStyle.Render(keptMark)
	case r.Status == engine.StepStatusSucceeded:
		return okStyle.Render(checkMark)
	case r.Status == engine.StepStatusSkipped:
		return dimStyle.Render(skipMark)
	case r.Status.IsFailure():
		return failedStyle.Render(crossMark)
	default:
		return warningStyle.Render(warnMark)
	}
}

// renderPlan prints the steps of a plan grouped by execution level.
func renderPlan(w io.Writer, kind engine.RunKind, plan *engine.Plan) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%s plan: %d steps", kind, len(plan.Steps))))
	if len(plan.Steps) == 0 {
		fmt.Fprintln(w, dimStyle.Render("nothing to do"))
		return
	}
	for level, ids := range plan.Graph.Levels {
		fmt.Fprintln(w, sectionStyle.Render(fmt.Sprintf("Level %d", level)))
		for _, id := range ids {
			step := plan.Step(id)
			line := fmt.Sprintf("  %-40s %-10s", step.ID, step.Action)
			if len(step.DependsOn) > 0 {
				line += dimStyle.Render("after " + strings.Join(step.DependsOn, ", "))
			}
			fmt.Fprintln(w, line)
		}
	}
}

// renderPolicy prints policy findings.
func renderPolicy(w io.Writer, result *policy.Result) {
	if result == nil || (len(result.Violations) == 0 && len(result.Warnings) == 0) {
		return
	}
	fmt.Fprintln(w, sectionStyle.Render("Policy"))
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  %s %s\n", failedStyle.Render(crossMark), v.String())
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "  %s %s\n", warningStyle.Render(warnMark), v.String())
	}
}

// renderResult prints the outcome of every step and the run summary.
func renderResult(w io.Writer, result *engine.RunResult) {
	fmt.Fprintln(w, sectionStyle.Render(fmt.Sprintf("%s run %s", result.Kind, result.ID)))
	for _, r := range result.Steps {
		line := fmt.Sprintf("  %s %-40s %s", stepMark(r), r.StepID, dimStyle.Render(r.Duration.Round(time.Millisecond).String()))
		if r.Error != nil {
			line += "\n      " + failedStyle.Render(r.Error.Error())
		}
		fmt.Fprintln(w, line)
	}

	s := result.Summary
	summary := fmt.Sprintf("%d succeeded, %d failed, %d skipped, %d recorded in %s",
		s.Succeeded, s.Failed+s.RetryExhausted, s.Skipped, s.Recorded, result.Duration.Round(time.Second))
	style := okStyle
	if result.Status != engine.RunStatusSucceeded {
		style = failedStyle
	}
	fmt.Fprintln(w, style.Render(fmt.Sprintf("%s: %s", result.Status, summary)))
}

// renderRecords prints install records, newest last.
func renderRecords(w io.Writer, records []engine.InstallRecord) {
	fmt.Fprintln(w, sectionStyle.Render(fmt.Sprintf("Install records (%d)", len(records))))
	if len(records) == 0 {
		fmt.Fprintln(w, dimStyle.Render("  none"))
		return
	}
	sorted := append([]engine.InstallRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	for _, r := range sorted {
		note := ""
		if r.PreExisting {
			note = dimStyle.Render(" (pre-existing)")
		}
		fmt.Fprintf(w, "  %-40s %s%s\n", r.StepID, r.CreatedAt.Local().Format(time.DateTime), note)
	}
}

// progressLine formats a step event for live output.
func progressLine(event engine.Event) string {
	switch event.Type {
	case engine.EventTypeStepStarted:
		return dimStyle.Render("  ... " + event.StepID)
	case engine.EventTypeStepCompleted:
		return fmt.Sprintf("  %s %s", okStyle.Render(checkMark), event.StepID)
	case engine.EventTypeStepFailed:
		return fmt.Sprintf("  %s %s: %s", failedStyle.Render(crossMark), event.StepID, event.Message)
	case engine.EventTypeStepSkipped:
		return fmt.Sprintf("  %s %s", dimStyle.Render(skipMark), event.StepID)
	}
	return ""
}
