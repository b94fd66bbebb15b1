package engine

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/protocol"
)

// TxKind is the kind of package transaction handed to the backend.
type TxKind string

const (
	// TxInstall installs targets from sync sources.
	TxInstall TxKind = "install"
	// TxRemove removes installed packages.
	TxRemove TxKind = "remove"
	// TxInstallFiles installs local package files.
	TxInstallFiles TxKind = "install_files"
)

// Target is a resolved (source, name, version) triple.
type Target struct {
	Name    string `json:"name"`
	Source  string `json:"source,omitempty"`
	Version string `json:"version,omitempty"`
}

// Qualified returns source/name, or name for targets without a source.
func (t Target) Qualified() string {
	if t.Source == "" {
		return t.Name
	}
	return t.Source + "/" + t.Name
}

// Transaction is one batch committed as a unit by the backend.
type Transaction struct {
	ID      string
	Kind    TxKind
	Targets []Target
	// Files holds canonical package file paths for TxInstallFiles.
	Files []string
	// DownloadOnly fetches packages into the cache without installing.
	DownloadOnly bool
	// Cascade also removes dependencies no longer required (TxRemove).
	Cascade bool
}

// Names returns the target names.
func (tx *Transaction) Names() []string {
	names := make([]string, len(tx.Targets))
	for i, t := range tx.Targets {
		names[i] = t.Name
	}
	return names
}

// String describes the transaction for logs.
func (tx *Transaction) String() string {
	var parts []string
	for _, t := range tx.Targets {
		parts = append(parts, t.Qualified())
	}
	parts = append(parts, tx.Files...)
	mode := string(tx.Kind)
	if tx.DownloadOnly {
		mode += " (download only)"
	}
	return mode + ": " + strings.Join(parts, " ")
}

// Backend is the port to the package-management library.
type Backend interface {
	// Version reports the version of name in source, if present.
	Version(ctx context.Context, source, name string) (version string, ok bool, err error)
	// Installed reports the installed version of name, if installed.
	Installed(ctx context.Context, name string) (version string, ok bool, err error)
	// InstalledNames lists every installed package.
	InstalledNames(ctx context.Context) ([]string, error)
	// Sync refreshes the databases of the given sources.
	Sync(ctx context.Context, sources []string, l Listener) error
	// Prepare checks that tx can be committed without changing anything.
	Prepare(ctx context.Context, tx *Transaction, l Listener) error
	// Commit applies tx.
	Commit(ctx context.Context, tx *Transaction, l Listener) error
	// RefreshKeys refreshes the package signing keyring.
	RefreshKeys(ctx context.Context, l Listener) error
}

// Lock is the package database lock.
type Lock interface {
	// Present reports whether the lock file exists.
	Present() (bool, error)
	// HolderAlive reports whether a package manager process is running.
	HolderAlive(ctx context.Context) (bool, error)
	// Remove deletes the lock file.
	Remove() error
}

// Progress is one granular progress report from the backend.
type Progress struct {
	Phase      protocol.EventType
	Package    string
	Percent    int
	Downloaded int64
	Total      int64
	Message    string
}

// QuestionKind identifies a question the library can raise mid-commit.
// Values match libalpm's question type bits.
type QuestionKind int

const (
	QuestionInstallIgnored QuestionKind = 1 << iota
	QuestionReplace
	QuestionConflict
	QuestionCorrupted
	QuestionRemovePackages
	QuestionSelectProvider
	QuestionImportKey
)

// AllQuestions lists every question kind.
var AllQuestions = []QuestionKind{
	QuestionInstallIgnored,
	QuestionReplace,
	QuestionConflict,
	QuestionCorrupted,
	QuestionRemovePackages,
	QuestionSelectProvider,
	QuestionImportKey,
}

func (q QuestionKind) String() string {
	switch q {
	case QuestionInstallIgnored:
		return "install_ignored"
	case QuestionReplace:
		return "replace"
	case QuestionConflict:
		return "conflict"
	case QuestionCorrupted:
		return "corrupted"
	case QuestionRemovePackages:
		return "remove_packages"
	case QuestionSelectProvider:
		return "select_provider"
	case QuestionImportKey:
		return "import_key"
	default:
		return "unknown"
	}
}

// Question is raised by the library during a transaction.
type Question struct {
	Kind    QuestionKind
	Package string
	// Options are the candidates of a provider selection.
	Options []string
}

// Answer resolves a Question. Choice is the selected option index.
type Answer struct {
	Accept bool
	Choice int
}

// Listener receives library callbacks, one method per event kind.
//
// The pacman command-line backend never calls OnQuestion: it cannot answer
// prompts interactively, so the AnswerPolicy is enforced up front through the
// --ask mask built by alpm.AskMask. OnQuestion serves backends that surface
// individual questions.
type Listener interface {
	OnQuestion(q Question) Answer
	OnProgress(p Progress)
	OnLog(level zerolog.Level, message string)
}
