// Package script defines user scripts, turns them into concrete commands,
// and runs them through the process engine with incremental log persistence.
package script

import (
	"time"

	"github.com/teranos/kiln/proc"
)

// FlagType is the declared type of a script flag
type FlagType string

const (
	FlagString  FlagType = "string"
	FlagNumber  FlagType = "number"
	FlagBoolean FlagType = "boolean"
	FlagAddress FlagType = "address"
)

// Valid reports whether t is a known flag type
func (t FlagType) Valid() bool {
	switch t {
	case FlagString, FlagNumber, FlagBoolean, FlagAddress:
		return true
	}
	return false
}

// Flag is a declared command-line flag of a script
type Flag struct {
	Name        string   `json:"name" yaml:"name"`
	Type        FlagType `json:"type" yaml:"type"`
	Required    bool     `json:"required" yaml:"required"`
	Default     *string  `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Script is a user-defined runnable: a runner kind plus file, command and flags
type Script struct {
	ID               string     `json:"id" yaml:"id"`
	WorkspaceID      string     `json:"workspaceId" yaml:"workspaceId"`
	Name             string     `json:"name" yaml:"name"`
	Description      string     `json:"description,omitempty" yaml:"description,omitempty"`
	Runner           RunnerKind `json:"runner" yaml:"runner"`
	FilePath         string     `json:"filePath,omitempty" yaml:"filePath,omitempty"`
	Command          string     `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDirectory string     `json:"workingDirectory,omitempty" yaml:"workingDirectory,omitempty"`
	Category         string     `json:"category,omitempty" yaml:"category,omitempty"`
	Flags            []Flag     `json:"flags" yaml:"flags"`
	CreatedAt        time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

// hasFile reports whether the script names a file to run.
// "." means "the working directory itself" and counts as no file.
func (s Script) hasFile() bool {
	return s.FilePath != "" && s.FilePath != "."
}

// Run is one execution of a script
type Run struct {
	ID          string            `json:"id" yaml:"id"`
	ScriptID    string            `json:"scriptId" yaml:"scriptId"`
	StartedAt   time.Time         `json:"startedAt" yaml:"startedAt"`
	FinishedAt  *time.Time        `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	Status      proc.Status       `json:"status" yaml:"status"`
	ExitCode    *int              `json:"exitCode,omitempty" yaml:"exitCode,omitempty"`
	PID         int               `json:"-" yaml:"-"`
	FlagsUsed   map[string]string `json:"flagsUsed" yaml:"flagsUsed"`
	EnvVarsUsed map[string]string `json:"envVarsUsed" yaml:"envVarsUsed"`
	Logs        string            `json:"logs,omitempty" yaml:"logs,omitempty"`
}
