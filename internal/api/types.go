package api

import (
	"github.com/mattjoyce/arcyd/internal/state"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Phase         string `json:"phase"`
	Repos         int    `json:"repos"`
	FailingRepos  int    `json:"failing_repos"`
}

// DiffsResponse is returned by GET /diffs.
type DiffsResponse struct {
	Diffs []state.DiffRecord `json:"diffs"`
}

// PassesResponse is returned by GET /passes.
type PassesResponse struct {
	Passes []state.PassRecord `json:"passes"`
}
