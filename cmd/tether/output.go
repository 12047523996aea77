package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/tether-sync/tether/internal/conflict"
	"github.com/tether-sync/tether/internal/engine"
)

var (
	// https://github.com/fidian/ansi
	redStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	greenStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cyanStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	grayStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	headStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(grayStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headStyle
			}
			return cellStyle
		})
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var actionStyles = map[engine.Action]lipgloss.Style{
	engine.ActionPush:      greenStyle,
	engine.ActionPull:      cyanStyle,
	engine.ActionRestore:   cyanStyle,
	engine.ActionInstall:   cyanStyle,
	engine.ActionUninstall: redStyle,
	engine.ActionRemove:    redStyle,
	engine.ActionUntrack:   grayStyle,
}

func printReport(w io.Writer, r *engine.CycleReport) {
	title := fmt.Sprintf("sync %s", r.Mode)
	if r.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(w, "%s  %s\n", headStyle.UnsetPadding().Render(title),
		grayStyle.Render(r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()))

	if len(r.Applied) == 0 && len(r.Conflicts) == 0 && len(r.Failures) == 0 {
		fmt.Fprintln(w, grayStyle.Render("  everything up to date"))
	}
	for _, a := range r.Applied {
		style, ok := actionStyles[a.Action]
		if !ok {
			style = lipgloss.NewStyle()
		}
		line := fmt.Sprintf("  %-10s %s", style.Render(string(a.Action)), a.Entity)
		if a.Detail != "" {
			line += " " + grayStyle.Render(a.Detail)
		}
		fmt.Fprintln(w, line)
	}
	for _, c := range r.Conflicts {
		fmt.Fprintf(w, "  %-10s %s %s\n", yellow("conflict"), c.Entity,
			grayStyle.Render(fmt.Sprintf("[%s] tether resolve %s", c.Outcome, shortID(c.ID))))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %-10s %s: %s\n", red("failed"), f.Entity, f.Error)
		for _, finding := range f.Findings {
			fmt.Fprintf(w, "             %s\n", grayStyle.Render(fmt.Sprintf("line %d %s: %s", finding.Line, finding.Kind, finding.Context)))
		}
		if f.Hint != "" {
			fmt.Fprintf(w, "             %s %s\n", cyan("hint:"), f.Hint)
		}
	}

	switch {
	case r.Pushed:
		fmt.Fprintf(w, "%s %s\n", green("pushed"), shortID(r.Commit))
	case r.Attempts > 1:
		fmt.Fprintf(w, "%s\n", grayStyle.Render(fmt.Sprintf("%d attempts", r.Attempts)))
	}
	if r.Backup != "" {
		fmt.Fprintf(w, "%s %s\n", grayStyle.Render("backup"), r.Backup)
	}
}

func printConflicts(w io.Writer, recs []conflict.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No conflicts")
		return
	}
	t := newTable("ID", "Entity", "Kind", "Outcome", "State", "Detected")
	for _, rec := range recs {
		t.Row(shortID(rec.ID), rec.Entity, string(rec.Kind), rec.Outcome, string(rec.State), ago(rec.DetectedAt))
	}
	fmt.Fprintln(w, t.Render())
}
