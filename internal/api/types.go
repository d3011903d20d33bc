package api

import "github.com/mattjoyce/cmdsink/internal/ledger"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// RunListResponse is returned by GET /runs.
type RunListResponse struct {
	Runs []ledger.Run `json:"runs"`
}

// RunResponse is returned by GET /runs/{runID}.
type RunResponse struct {
	Run   *ledger.Run   `json:"run"`
	Files []ledger.File `json:"files"`
}
