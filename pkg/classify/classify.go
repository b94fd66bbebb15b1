package classify

import (
	"errors"
	"strings"
)

// rule maps a set of lowercase substrings to a classification template.
type rule struct {
	needles     []string
	kind        Kind
	title       string
	description string
	recovery    string
}

// Order matters: the first matching rule wins. Lock detection comes first so
// a lock message is never reported as a generic preparation failure.
var rules = []rule{
	{
		needles:     []string{"unable to lock database", "could not lock database", "db.lck"},
		kind:        KindDatabaseLocked,
		title:       "Package database is locked",
		description: LockedMessage,
		recovery:    "Wait for the other package manager to finish, then retry.",
	},
	{
		needles: []string{
			"invalid or corrupted package (pgp signature)",
			"is unknown trust",
			"unknown public key",
			"signature from",
			"key could not be looked up remotely",
			"required key missing from keyring",
			"keyring is not writable",
			"invalid signature",
			"could not be verified",
		},
		kind:        KindKeyring,
		title:       "Signing keys need a refresh",
		description: "A package signature could not be verified against the local keyring.",
		recovery:    "Refresh the package signing keys and retry.",
	},
	{
		needles:     []string{"target not found", "package not found", "was not found"},
		kind:        KindNotFound,
		title:       "Package not found",
		description: "The requested package is not available from any enabled source.",
		recovery:    "Synchronize the package databases or enable more sources.",
	},
	{
		needles: []string{
			"failed to prepare transaction",
			"unresolvable package conflicts",
			"conflicting dependencies",
			"could not satisfy dependencies",
			"unable to satisfy dependency",
			"are in conflict",
			"conflicting files",
			"breaks dependency",
		},
		kind:        KindPreparation,
		title:       "Transaction could not be prepared",
		description: "Dependency or conflict resolution failed.",
	},
	{
		needles:     []string{"executable file not found", "no such file or directory", "permission denied", "fork/exec"},
		kind:        KindProcessSpawn,
		title:       "Required program could not be started",
		description: "A helper process failed to start.",
		recovery:    "Check that the package manager and its tools are installed.",
	},
	{
		needles:     []string{"==> error:", "a failure occurred in build()", "a failure occurred in package()", "makepkg"},
		kind:        KindBuildFailure,
		title:       "Package build failed",
		description: "Building the package from source did not succeed.",
	},
}

// Classify maps raw error text to the taxonomy. The result always carries the
// raw text. Unrecognized text yields KindUnknown with the raw text as description.
func Classify(raw string) *ClassifiedError {
	lower := strings.ToLower(raw)
	for _, r := range rules {
		for _, needle := range r.needles {
			if strings.Contains(lower, needle) {
				description := r.description
				// Preparation failures are surfaced verbatim.
				if r.kind == KindPreparation {
					description = strings.TrimSpace(raw)
				}
				return &ClassifiedError{
					Kind:           r.kind,
					Title:          r.title,
					Description:    description,
					RecoveryAction: r.recovery,
					Raw:            raw,
				}
			}
		}
	}
	return &ClassifiedError{
		Kind:        KindUnknown,
		Title:       "Operation failed",
		Description: strings.TrimSpace(raw),
		Raw:         raw,
	}
}

// FromError classifies err. Errors that already carry a classification are
// returned unchanged.
func FromError(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	c := Classify(err.Error())
	c.Err = err
	return c
}
