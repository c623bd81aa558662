package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/arcyd/internal/events"
	"github.com/mattjoyce/arcyd/internal/status"
)

func renderRepos(repos []status.RepoState, theme Theme, width int) string {
	innerWidth := width - 4
	if len(repos) == 0 {
		return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("REPOSITORIES"),
			theme.Dim.Render("  No repositories reported yet"),
		))
	}

	lines := make([]string, 0, len(repos))
	for _, r := range repos {
		lines = append(lines, formatRepo(r, theme))
	}
	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("REPOSITORIES"),
		body,
	))
}

func formatRepo(r status.RepoState, theme Theme) string {
	line := fmt.Sprintf("%-24s %s  branches:%d uploaded:%d too_large:%d",
		r.Name,
		theme.repoStyle(r.Status).Render(fmt.Sprintf("%-10s", r.Status)),
		r.Summary.Branches, r.Summary.Uploaded, r.Summary.TooLarge,
	)
	if r.LastDelay != "" {
		line += theme.Dim.Render(" next retry in " + r.LastDelay)
	}
	if r.LastError != "" {
		msg := r.LastError
		if len(msg) > 60 {
			msg = msg[:60] + "..."
		}
		line += "\n  " + theme.StatusFailed.Render(msg)
	}
	return line
}

// applySleepTick keeps the countdown live between status polls.
func applySleepTick(snap *status.Snapshot, e events.Event) {
	var data struct {
		Remaining int `json:"remaining"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return
	}
	snap.Phase = status.PhaseSleeping
	snap.SleepRemaining = data.Remaining
}
