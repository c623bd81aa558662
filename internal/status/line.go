package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	phaseStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// Line renders snap as a single status line.
func Line(snap Snapshot) string {
	parts := []string{phaseStyle.Render(string(snap.Phase))}

	switch snap.Phase {
	case PhaseSleeping:
		parts = append(parts, fmt.Sprintf("%ds", snap.SleepRemaining))
	case PhaseProcessing:
		if snap.CurrentRepo != "" {
			parts = append(parts, snap.CurrentRepo)
		}
	}

	var ok, retrying, failed int
	for _, repo := range snap.Repos {
		switch repo.Status {
		case RepoOK:
			ok++
		case RepoRetrying:
			retrying++
		case RepoFailed:
			failed++
		}
	}
	parts = append(parts,
		okStyle.Render(fmt.Sprintf("ok:%d", ok)),
		warnStyle.Render(fmt.Sprintf("retry:%d", retrying)),
		failStyle.Render(fmt.Sprintf("failed:%d", failed)),
	)

	if snap.LastPass != nil {
		parts = append(parts, dimStyle.Render(fmt.Sprintf("pass #%d %s", snap.Passes, snap.LastPass.Status)))
	}
	return strings.Join(parts, " ")
}

// Line renders the reporter's current snapshot.
func (r *Reporter) Line() string {
	return Line(r.Snapshot())
}
