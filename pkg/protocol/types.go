// Package protocol defines the JSON command protocol between the unprivileged
// client and the privileged helper.
//
// A command is one JSON object tagged by "command" with its arguments under
// "payload". The helper answers with one JSON object per line on stdout:
// simple {progress, message} status lines and richer event lines carrying an
// event_type.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkgengine/pkgengine/pkg/classify"
)

// Command is the descriptor tag.
type Command string

const (
	// CommandInstall installs packages from repositories.
	CommandInstall Command = "AlpmInstall"
	// CommandUninstall removes installed packages.
	CommandUninstall Command = "AlpmUninstall"
	// CommandUpgrade upgrades outdated packages in two phases.
	CommandUpgrade Command = "AlpmUpgrade"
	// CommandSync refreshes the package databases.
	CommandSync Command = "AlpmSync"
	// CommandInstallFiles installs locally built packages from the staging directory.
	CommandInstallFiles Command = "AlpmInstallFiles"
	// CommandRemoveLock removes a stale database lock.
	CommandRemoveLock Command = "RemoveLock"
	// CommandRunCommand runs an allow-listed binary.
	CommandRunCommand Command = "RunCommand"
	// CommandWriteFile writes a file inside the configuration directory.
	CommandWriteFile Command = "WriteFile"
	// CommandRemoveFile removes a file inside the configuration directory.
	CommandRemoveFile Command = "RemoveFile"
)

// Mutating reports whether the command changes the package database and so
// needs the database lock check first.
func (c Command) Mutating() bool {
	switch c {
	case CommandInstall, CommandUninstall, CommandUpgrade, CommandSync, CommandInstallFiles:
		return true
	default:
		return false
	}
}

// Payload is implemented by every command payload.
type Payload interface {
	Command() Command
}

// InstallPayload carries AlpmInstall arguments.
type InstallPayload struct {
	Packages        []string `json:"packages" validate:"required,min=1,dive,pkgname"`
	SyncFirst       bool     `json:"sync_first"`
	EnabledRepos    []string `json:"enabled_repos" validate:"dive,reponame"`
	CPUOptimization string   `json:"cpu_optimization,omitempty" validate:"omitempty,oneof=baseline v3 v4 znver4"`
	Strategy        string   `json:"strategy,omitempty" validate:"omitempty,oneof=stability-first performance-first"`
}

// UninstallPayload carries AlpmUninstall arguments.
type UninstallPayload struct {
	Packages   []string `json:"packages" validate:"required,min=1,dive,pkgname"`
	RemoveDeps bool     `json:"remove_deps"`
}

// UpgradePayload carries AlpmUpgrade arguments. Empty Packages means every
// installed package.
type UpgradePayload struct {
	Packages     []string `json:"packages,omitempty" validate:"dive,pkgname"`
	EnabledRepos []string `json:"enabled_repos" validate:"dive,reponame"`
	Strategy     string   `json:"strategy,omitempty" validate:"omitempty,oneof=stability-first performance-first"`
}

// SyncPayload carries AlpmSync arguments.
type SyncPayload struct {
	EnabledRepos []string `json:"enabled_repos" validate:"dive,reponame"`
}

// InstallFilesPayload carries AlpmInstallFiles arguments.
type InstallFilesPayload struct {
	Paths []string `json:"paths" validate:"required,min=1,dive,required"`
}

// RemoveLockPayload is empty.
type RemoveLockPayload struct{}

// RunCommandPayload carries RunCommand arguments.
type RunCommandPayload struct {
	Binary string   `json:"binary" validate:"required"`
	Args   []string `json:"args,omitempty"`
}

// WriteFilePayload carries WriteFile arguments.
type WriteFilePayload struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// RemoveFilePayload carries RemoveFile arguments.
type RemoveFilePayload struct {
	Path string `json:"path" validate:"required"`
}

func (InstallPayload) Command() Command      { return CommandInstall }
func (UninstallPayload) Command() Command    { return CommandUninstall }
func (UpgradePayload) Command() Command      { return CommandUpgrade }
func (SyncPayload) Command() Command         { return CommandSync }
func (InstallFilesPayload) Command() Command { return CommandInstallFiles }
func (RemoveLockPayload) Command() Command    { return CommandRemoveLock }
func (RunCommandPayload) Command() Command    { return CommandRunCommand }
func (WriteFilePayload) Command() Command     { return CommandWriteFile }
func (RemoveFilePayload) Command() Command    { return CommandRemoveFile }

// Descriptor is one single-use operation request.
type Descriptor struct {
	Payload Payload
}

// NewDescriptor wraps a payload.
func NewDescriptor(p Payload) *Descriptor {
	return &Descriptor{Payload: p}
}

// Command returns the descriptor tag.
func (d *Descriptor) Command() Command {
	if d == nil || d.Payload == nil {
		return ""
	}
	return d.Payload.Command()
}

type envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the tagged envelope.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	if d.Payload == nil {
		return nil, fmt.Errorf("descriptor has no payload")
	}
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return json.Marshal(envelope{Command: d.Payload.Command(), Payload: payload})
}

// UnmarshalJSON decodes the tagged envelope. Unknown tags and unknown payload
// fields are rejected.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	var p Payload
	switch env.Command {
	case CommandInstall:
		p = &InstallPayload{}
	case CommandUninstall:
		p = &UninstallPayload{}
	case CommandUpgrade:
		p = &UpgradePayload{}
	case CommandSync:
		p = &SyncPayload{}
	case CommandInstallFiles:
		p = &InstallFilesPayload{}
	case CommandRemoveLock:
		p = &RemoveLockPayload{}
	case CommandRunCommand:
		p = &RunCommandPayload{}
	case CommandWriteFile:
		p = &WriteFilePayload{}
	case CommandRemoveFile:
		p = &RemoveFilePayload{}
	default:
		return fmt.Errorf("invalid command: %q", env.Command)
	}

	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(env.Payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(p); err != nil {
			return fmt.Errorf("failed to parse %s payload: %w", env.Command, err)
		}
	}

	d.Payload = derefPayload(p)
	return nil
}

func derefPayload(p Payload) Payload {
	switch v := p.(type) {
	case *InstallPayload:
		return *v
	case *UninstallPayload:
		return *v
	case *UpgradePayload:
		return *v
	case *SyncPayload:
		return *v
	case *InstallFilesPayload:
		return *v
	case *RemoveLockPayload:
		return *v
	case *RunCommandPayload:
		return *v
	case *WriteFilePayload:
		return *v
	case *RemoveFilePayload:
		return *v
	default:
		return p
	}
}

// EventType names a granular phase event.
type EventType string

const (
	EventDownload EventType = "download"
	EventExtract  EventType = "extract"
	EventInstall  EventType = "install"
	EventUpgrade  EventType = "upgrade"
	EventRemove   EventType = "remove"
	EventCheck    EventType = "check"
	EventHook     EventType = "hook"
	EventHeal     EventType = "self_heal"
	EventLog      EventType = "log"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// ErrorPrefix starts every failure message line.
const ErrorPrefix = "ERROR: "

// Status is the simple output line.
type Status struct {
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// Event is the rich output line.
type Event struct {
	EventType  EventType                 `json:"event_type"`
	Package    string                    `json:"package,omitempty"`
	Percent    *int                      `json:"percent,omitempty"`
	Downloaded *int64                    `json:"downloaded,omitempty"`
	Total      *int64                    `json:"total,omitempty"`
	Message    string                    `json:"message"`
	Error      *classify.ClassifiedError `json:"error,omitempty"`
}

// Percent returns a pointer to p for Event literals.
func Percent(p int) *int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return &p
}

// Line is one decoded output line: exactly one of Status or Event is set.
type Line struct {
	Status *Status
	Event  *Event
}
