// Package run executes build, test and deploy actions for a workspace and
// persists their records and output.
package run

import (
	"time"

	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/toolchain"
)

// Kind is the action a run performs
type Kind = toolchain.Action

// Run is one build, test or deploy execution
type Run struct {
	ID           string      `json:"id" yaml:"id"`
	WorkspaceID  string      `json:"workspaceId" yaml:"workspaceId"`
	Kind         Kind        `json:"runType" yaml:"runType"`
	Status       proc.Status `json:"status" yaml:"status"`
	StartedAt    time.Time   `json:"startedAt" yaml:"startedAt"`
	EndedAt      *time.Time  `json:"endedAt,omitempty" yaml:"endedAt,omitempty"`
	ExitCode     *int        `json:"exitCode,omitempty" yaml:"exitCode,omitempty"`
	ErrorMessage *string     `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
	PID          int         `json:"-" yaml:"-"`
}

// LogLine is one persisted output line
type LogLine struct {
	Line  string `json:"line" yaml:"line"`
	Order uint64 `json:"logOrder" yaml:"logOrder"`
}

// OrphanMessage is recorded on runs found still running at startup
const OrphanMessage = "orphaned by restart"
