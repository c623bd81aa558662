// Package inspect renders what one scheduler pass did: its outcome and the
// diff produced for every review branch it touched.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/arcyd/internal/differ"
	"github.com/mattjoyce/arcyd/internal/state"
)

// Source is the audit log a report is built from.
type Source interface {
	Pass(ctx context.Context, id string) (state.PassRecord, error)
	DiffsForPass(ctx context.Context, passID string) ([]state.DiffRecord, error)
}

// Report is the structured JSON representation of a pass report.
type Report struct {
	PassID     string    `json:"pass_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Failed     []string  `json:"failed"`
	Error      string    `json:"error,omitempty"`
	Branches   []Branch  `json:"branches"`
}

// Branch is one diff produced during the pass.
type Branch struct {
	Repo              string          `json:"repo"`
	Branch            string          `json:"branch"`
	Base              string          `json:"base"`
	Head              string          `json:"head"`
	Outcome           string          `json:"outcome"`
	Size              int             `json:"size"`
	FullSize          int             `json:"full_size"`
	MaxSize           int             `json:"max_size"`
	Reductions        json.RawMessage `json:"reductions"`
	DidReplaceInvalid bool            `json:"did_replace_invalid"`
	DiffID            string          `json:"diff_id,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// BuildReport renders a terminal-friendly report. An empty passID selects
// the newest pass.
func BuildReport(ctx context.Context, src Source, passID string) (string, error) {
	report, err := gatherReportData(ctx, src, passID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Pass Report\n")
	fmt.Fprintf(&out, "Pass ID     : %s\n", report.PassID)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&out, "Duration    : %s\n", report.FinishedAt.Sub(report.StartedAt))
	if len(report.Failed) > 0 {
		fmt.Fprintf(&out, "Failed      : %s\n", strings.Join(report.Failed, ", "))
	}
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "Branches    : %d\n", len(report.Branches))
	fmt.Fprintf(&out, "\n")

	for i, b := range report.Branches {
		fmt.Fprintf(&out, "[%d] %s :: %s\n", i+1, b.Repo, b.Branch)
		fmt.Fprintf(&out, "    range      : %s..%s\n", b.Base, renderUnset(b.Head, "<unknown>"))
		fmt.Fprintf(&out, "    outcome    : %s\n", b.Outcome)
		if b.DiffID != "" {
			fmt.Fprintf(&out, "    diff       : D%s\n", b.DiffID)
		}
		if b.FullSize > 0 {
			fmt.Fprintf(&out, "    size       : %d of %d bytes (limit %d)\n", b.Size, b.FullSize, b.MaxSize)
		}
		if reductions := describeReductions(b.Reductions); reductions != "" {
			fmt.Fprintf(&out, "    reductions : %s\n", reductions)
		}
		if b.DidReplaceInvalid {
			fmt.Fprintf(&out, "    note       : invalid utf-8 replaced\n")
		}
		if b.Error != "" {
			fmt.Fprintf(&out, "    error      : %s\n", b.Error)
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, src Source, passID string) (string, error) {
	report, err := gatherReportData(ctx, src, passID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, passID string) (*Report, error) {
	pass, err := src.Pass(ctx, strings.TrimSpace(passID))
	if err != nil {
		return nil, err
	}
	diffs, err := src.DiffsForPass(ctx, pass.ID)
	if err != nil {
		return nil, fmt.Errorf("load diffs for pass %s: %w", pass.ID, err)
	}

	failed := pass.Failed
	if failed == nil {
		failed = []string{}
	}
	report := &Report{
		PassID:     pass.ID,
		Status:     pass.Status,
		StartedAt:  pass.StartedAt,
		FinishedAt: pass.FinishedAt,
		Failed:     failed,
		Error:      pass.Error,
		Branches:   make([]Branch, 0, len(diffs)),
	}
	for _, d := range diffs {
		report.Branches = append(report.Branches, Branch{
			Repo:              d.Repo,
			Branch:            d.Branch,
			Base:              d.Base,
			Head:              d.Head,
			Outcome:           string(d.Outcome),
			Size:              d.Size,
			FullSize:          d.FullSize,
			MaxSize:           d.MaxSize,
			Reductions:        d.Reductions,
			DidReplaceInvalid: d.DidReplaceInvalid,
			DiffID:            d.DiffID,
			Error:             d.Error,
		})
	}
	return report, nil
}

// describeReductions renders the stored technique list one step after
// another. Unparseable input yields "".
func describeReductions(raw json.RawMessage) string {
	var steps []differ.Technique
	if err := json.Unmarshal(raw, &steps); err != nil || len(steps) == 0 {
		return ""
	}
	parts := make([]string, 0, len(steps))
	for _, step := range steps {
		parts = append(parts, step.String())
	}
	return strings.Join(parts, ", ")
}

func renderUnset(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
