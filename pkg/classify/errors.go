// Package classify holds the failure taxonomy shared by the privileged engine,
// the source-build pipeline and the client.
//
// Classification of raw library or tool output is best-effort. A
// ClassifiedError is a hint for humans and for the bounded remediation paths;
// the raw text is always carried alongside it.
package classify

import (
	"errors"
	"fmt"
)

// Kind is the failure class used for retry and remediation decisions.
type Kind string

const (
	// KindNotFound means the target is absent from every enabled source.
	KindNotFound Kind = "not_found"

	// KindDatabaseLocked means the package database lock is held, either at
	// pre-flight or mid-transaction.
	KindDatabaseLocked Kind = "database_locked"

	// KindKeyring means signing keys are stale or missing. This is the only
	// class eligible for automatic remediation inside a transaction.
	KindKeyring Kind = "keyring_error"

	// KindUnauthorizedPath is a security-boundary violation on a file path.
	KindUnauthorizedPath Kind = "unauthorized_path"

	// KindUnauthorizedCommand is a security-boundary violation on a command.
	KindUnauthorizedCommand Kind = "unauthorized_command"

	// KindBuildFailure means a source build failed.
	KindBuildFailure Kind = "build_failure"

	// KindPreparation means dependency or conflict resolution failed.
	KindPreparation Kind = "preparation_failure"

	// KindProcessSpawn means a required process could not be started.
	KindProcessSpawn Kind = "process_spawn_failure"

	// KindUnknown is anything the classifier could not place.
	KindUnknown Kind = "unknown"
)

// LockedMessage replaces the raw library text for database-lock failures.
const LockedMessage = "Another package manager is currently running. Close it and try again."

// ClassifiedError is a failure with a human-facing classification.
// nolint:revive // the name mirrors the protocol field it is serialized into
type ClassifiedError struct {
	// Kind is the taxonomy class.
	Kind Kind `json:"kind"`

	// Title is a short human-readable headline.
	Title string `json:"title"`

	// Description explains the failure in user terms.
	Description string `json:"description"`

	// RecoveryAction is an optional suggestion for the user.
	RecoveryAction string `json:"recovery_action,omitempty"`

	// Raw is the unmodified library or tool text.
	Raw string `json:"raw,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Description != "" && e.Description != e.Title {
		return fmt.Sprintf("%s: %s", e.Title, e.Description)
	}
	if e.Title != "" {
		return e.Title
	}
	return e.Raw
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is matches another ClassifiedError of the same kind.
func (e *ClassifiedError) Is(target error) bool {
	t, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a classified error of the given kind.
func New(kind Kind, title, description string) *ClassifiedError {
	return &ClassifiedError{
		Kind:        kind,
		Title:       title,
		Description: description,
	}
}

// Wrap creates a classified error carrying err as its cause and raw text.
func Wrap(kind Kind, title string, err error) *ClassifiedError {
	ce := &ClassifiedError{
		Kind:  kind,
		Title: title,
		Err:   err,
	}
	if err != nil {
		ce.Description = err.Error()
		ce.Raw = err.Error()
	}
	return ce
}

// WithRecovery adds a recovery suggestion.
func (e *ClassifiedError) WithRecovery(action string) *ClassifiedError {
	e.RecoveryAction = action
	return e
}

// WithRaw attaches the raw text the classification was derived from.
func (e *ClassifiedError) WithRaw(raw string) *ClassifiedError {
	e.Raw = raw
	return e
}

// WithCause attaches the underlying error.
func (e *ClassifiedError) WithCause(err error) *ClassifiedError {
	e.Err = err
	return e
}

// KindOf returns the kind of err, or KindUnknown when err carries no classification.
func KindOf(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Remediable reports whether kind gets one bounded remediation attempt.
// Security violations and NotFound never do.
func Remediable(kind Kind) bool {
	return kind == KindKeyring || kind == KindBuildFailure
}

// Predefined sentinels for errors.Is comparisons.
var (
	ErrNotFound            = &ClassifiedError{Kind: KindNotFound}
	ErrDatabaseLocked      = &ClassifiedError{Kind: KindDatabaseLocked}
	ErrKeyring             = &ClassifiedError{Kind: KindKeyring}
	ErrUnauthorizedPath    = &ClassifiedError{Kind: KindUnauthorizedPath}
	ErrUnauthorizedCommand = &ClassifiedError{Kind: KindUnauthorizedCommand}
	ErrBuildFailure        = &ClassifiedError{Kind: KindBuildFailure}
	ErrPreparation         = &ClassifiedError{Kind: KindPreparation}
	ErrProcessSpawn        = &ClassifiedError{Kind: KindProcessSpawn}
)
