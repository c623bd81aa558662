package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/arcyd/internal/status"
)

func renderHeader(snap status.Snapshot, connected bool, ticker Ticker, spin string, theme Theme, width int) string {
	innerWidth := width - 4

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" ARCYD WATCH %s", tickerStr)
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		" "+phaseLine(snap, connected, spin, theme),
		" "+lastPassLine(snap, theme),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func phaseLine(snap status.Snapshot, connected bool, spin string, theme Theme) string {
	if !connected {
		return theme.StatusFailed.Render("CONNECTING")
	}
	phase := strings.ToUpper(strings.ReplaceAll(string(snap.Phase), "_", " "))
	uptime := ""
	if !snap.StartedAt.IsZero() {
		uptime = "  ⏱ " + formatDuration(time.Since(snap.StartedAt))
	}

	switch snap.Phase {
	case status.PhaseSleeping:
		return fmt.Sprintf("%s %s %ds%s", spin, theme.StatusIdle.Render(phase), snap.SleepRemaining, uptime)
	case status.PhaseProcessing:
		return fmt.Sprintf("%s %s %s%s", spin, theme.StatusRunning.Render(phase), snap.CurrentRepo, uptime)
	case status.PhasePaused, status.PhaseStopped:
		return theme.StatusFailed.Render(phase) + uptime
	default:
		return fmt.Sprintf("%s %s%s", spin, theme.StatusRunning.Render(phase), uptime)
	}
}

func lastPassLine(snap status.Snapshot, theme Theme) string {
	if snap.LastPass == nil {
		return theme.Dim.Render("No pass finished yet")
	}
	style := theme.StatusOK
	if snap.LastPass.Status != "succeeded" {
		style = theme.StatusFailed
	}
	line := fmt.Sprintf("Pass #%d %s at %s", snap.Passes, style.Render(snap.LastPass.Status),
		snap.LastPass.FinishedAt.Local().Format("15:04:05"))
	if len(snap.LastPass.Failed) > 0 {
		line += theme.Dim.Render(" failed: " + strings.Join(snap.LastPass.Failed, ", "))
	}
	return line
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
