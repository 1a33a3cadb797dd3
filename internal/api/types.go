// Package api holds the matchqd wire types and an HTTP client for them.
package api

import (
	"encoding/json"
	"time"

	"github.com/lherron/matchq/internal/apply"
	"github.com/lherron/matchq/internal/coverage"
	"github.com/lherron/matchq/internal/session"
	"github.com/lherron/matchq/pkg/protocol"
)

// NextCursorHeader carries the cursor of the next page of a listing.
const NextCursorHeader = "X-Matchq-Next-Cursor"

// Stream event kinds sent over GET /v1/events.
const (
	StreamSignal   = "signal"
	StreamProcess  = "process"
	StreamMatches  = "matches"
	StreamContent  = "content"
	StreamApply    = "apply"
	StreamCoverage = "coverage"
)

// StreamEvent is one message on the websocket event stream.
type StreamEvent struct {
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	OK   bool   `json:"ok"`
	Time string `json:"time"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	session.Status
	Root          string `json:"root"`
	PID           int    `json:"pid,omitempty"`
	DebugPort     int    `json:"debug_port,omitempty"`
	Applying      bool   `json:"applying"`
	CoverageFiles int    `json:"coverage_files"`
	WatchedDirs   int    `json:"watched_dirs"`
	StreamClients int    `json:"stream_clients"`
}

// MigrationsResponse lists the migrations the script offers.
type MigrationsResponse struct {
	Migrations []string `json:"migrations"`
	Current    string   `json:"current,omitempty"`
	// Failures maps a migration file to its load error after a refresh.
	Failures map[string]*protocol.RemoteError `json:"failures,omitempty"`
}

// StartRequest is the body of POST /v1/start.
type StartRequest struct {
	Name  string `json:"name" validate:"required"`
	Debug bool   `json:"debug"`
}

// RestartRequest is the body of POST /v1/restart.
type RestartRequest struct {
	Debug bool `json:"debug"`
}

// StateStale marks a view of an address from an earlier registry
// generation.
const StateStale = "stale"

// MatchView describes one match to clients.
type MatchView struct {
	Address string `json:"address"`
	File    string `json:"file"`
	Index   int    `json:"index"`
	Label   string `json:"label"`
	State   string `json:"state"`
}

// ContentView is the body of GET /v1/content.
type ContentView struct {
	MatchView
	Content string `json:"content"`
	Pending bool   `json:"pending"`
}

// WriteContentRequest is the body of POST /v1/content.
type WriteContentRequest struct {
	Address string `json:"address" validate:"required"`
	Content string `json:"content"`
}

// ApplyRequest is the body of POST /v1/apply.
type ApplyRequest struct {
	Addresses   []string `json:"addresses"`
	WellCovered bool     `json:"well_covered"`
}

// ApplyResponse is the body of a successful POST /v1/apply.
type ApplyResponse struct {
	Run string `json:"run,omitempty"`
	apply.Result
}

// CoverageSetRequest is the body of POST /v1/coverage/set.
type CoverageSetRequest struct {
	Clear  bool                    `json:"clear"`
	Report []coverage.FileCoverage `json:"report" validate:"dive"`
}

// CoverageSetResponse reports how many files the table now holds.
type CoverageSetResponse struct {
	Files   int `json:"files"`
	Changed int `json:"changed"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message string `json:"message"`
	// Remote carries the migration script's error, when it failed.
	Remote *protocol.RemoteError `json:"remote,omitempty"`
	Run    string                `json:"run,omitempty"`
}
