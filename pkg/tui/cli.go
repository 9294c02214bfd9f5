// Package tui renders run progress and run reports for the terminal.
// Plain streaming output, no full-screen UI.
package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/simflow/simflow/pkg/orchestrator"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	labelStyle   = mutedStyle.Width(14)
)

const rule = "  ─────────────────────────────────────"

// PrintReport writes a human summary of rep to w.
func PrintReport(w io.Writer, rep *orchestrator.Report) {
	fmt.Fprintln(w)
	if rep.Success {
		fmt.Fprintln(w, successStyle.Render("  ✓ RUN DELIVERED"))
	} else {
		fmt.Fprintln(w, accentStyle.Render("  ✗ RUN FAILED"))
	}
	fmt.Fprintln(w, mutedStyle.Render(rule))

	row := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(label), titleStyle.Render(value))
	}
	row("Batch", rep.BatchID)
	row("Strategy", string(rep.Strategy))
	row("Protocol", string(rep.Protocol))
	row("Source", rep.Source)
	row("Destination", rep.Dest)
	row("Artifact", rep.Artifact)
	row("Simulations", fmt.Sprintf("%d", rep.Sims))
	if rep.Success {
		row("Rows", FormatNumber(rep.RowsWritten))
		row("Write", FormatDuration(rep.WriteElapsed))
	}
	row("Total", FormatDuration(rep.TotalElapsed))
	if !rep.Success {
		row("Stage", rep.Stage)
		row("Code", string(rep.Code))
		fmt.Fprintln(w, mutedStyle.Render(rule))
		for _, line := range strings.Split(rep.FailureReason, "\n") {
			fmt.Fprintf(w, "  %s\n", accentStyle.Render(line))
		}
	}
	fmt.Fprintln(w, mutedStyle.Render(rule))
}

// FormatNumber abbreviates n for display.
func FormatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}

// FormatDuration rounds d for display.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

// Progress is a draw counter bar. Its Update method matches the progress
// callbacks of the simulation.
type Progress struct {
	bar *progressbar.ProgressBar
}

// NewProgress creates a bar writing to w.
func NewProgress(w io.Writer, description string) *Progress {
	return &Progress{bar: progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)}
}

// Update sets the bar to done of total.
func (p *Progress) Update(done, total int) {
	if p.bar.GetMax64() != int64(total) {
		p.bar.ChangeMax64(int64(total))
	}
	p.bar.Set64(int64(done))
}

// Finish clears the bar.
func (p *Progress) Finish() {
	p.bar.Finish()
}
