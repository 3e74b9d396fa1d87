// Package store implements the Run State Store: an in-memory record of
// every session and run, the single source of truth the HTTP surface and
// the Lifecycle Engine read and write. Grounded on the teacher's
// internal/bot package's session/record shape, trimmed to the fields this
// orchestrator actually needs and replatformed onto a plain in-memory map
// since durable storage of historical runs is an explicit non-goal.
package store

import (
	"time"

	"codearena/internal/enum"
)

// Run is one (prompt, provider, model) triple undergoing the lifecycle.
type Run struct {
	ID        string
	SessionID string
	Provider  enum.Provider
	Model     string

	Status enum.RunStatus

	Port        *int
	ContainerID string
	InternalURL string
	Error       string
	InstallLog  string
	BuildLog    string
	StartLog    string
	ErrorLog    string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Session groups runs created from one prompt submission.
type Session struct {
	ID        string
	Prompt    string
	RunIDs    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionView is a session with its runs resolved, the shape returned by
// GetSession.
type SessionView struct {
	Session
	Runs []Run
}

// RunUpdate is a partial, merge-semantics update applied by UpdateRun. A nil
// field leaves the corresponding Run field unchanged; Clear* flags reset a
// field to its zero value.
type RunUpdate struct {
	Status      *enum.RunStatus
	Port        *int
	ClearPort   bool
	ContainerID *string
	InternalURL *string
	ClearURL    bool
	Error       *string
	InstallLog  *string
	BuildLog    *string
	StartLog    *string
	ErrorLog    *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}
