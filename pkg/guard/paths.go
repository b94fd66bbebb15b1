// Package guard enforces the privileged helper's security boundary: local
// package files must live under the staging directory, configuration writes
// must stay inside the configuration directory, and only allow-listed
// programs may be run.
package guard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkgengine/pkgengine/pkg/classify"
)

// Default locations.
const (
	StagingDir = "/var/tmp/pkgengine/staging"
	ConfigDir  = "/etc/pkgengine"
)

// ConfinePaths canonicalizes every path (absolute, symlinks resolved) and
// checks that each is a regular file strictly below root. One violation
// rejects the whole batch. The canonical paths are returned in input order.
func ConfinePaths(root string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, classify.New(classify.KindUnauthorizedPath, "No package files given", "At least one package file is required.")
	}

	canonicalRoot, err := canonical(root)
	if err != nil {
		return nil, classify.Wrap(classify.KindUnauthorizedPath, "Staging directory is unavailable", err)
	}

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		resolved, err := canonical(p)
		if err != nil {
			return nil, unauthorizedPath(p, err.Error())
		}
		if !within(canonicalRoot, resolved) {
			return nil, unauthorizedPath(p, fmt.Sprintf("resolves outside %s", canonicalRoot))
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, unauthorizedPath(p, err.Error())
		}
		if !info.Mode().IsRegular() {
			return nil, unauthorizedPath(p, "not a regular file")
		}
		out = append(out, resolved)
	}
	return out, nil
}

// ConfineTarget canonicalizes a path that may not exist yet by resolving its
// parent directory, and checks it lies strictly below root.
func ConfineTarget(root, path string) (string, error) {
	canonicalRoot, err := canonical(root)
	if err != nil {
		return "", classify.Wrap(classify.KindUnauthorizedPath, "Configuration directory is unavailable", err)
	}
	if !filepath.IsAbs(path) {
		return "", unauthorizedPath(path, "path must be absolute")
	}

	parent, err := canonical(filepath.Dir(filepath.Clean(path)))
	if err != nil {
		return "", unauthorizedPath(path, err.Error())
	}
	resolved := filepath.Join(parent, filepath.Base(path))

	// An existing final component that is a symlink is followed too.
	if info, err := os.Lstat(resolved); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if resolved, err = canonical(resolved); err != nil {
			return "", unauthorizedPath(path, err.Error())
		}
	}

	if !within(canonicalRoot, resolved) {
		return "", unauthorizedPath(path, fmt.Sprintf("resolves outside %s", canonicalRoot))
	}
	return resolved, nil
}

func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// within reports whether p is a strict descendant of root. Both must be clean.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

func unauthorizedPath(path, reason string) *classify.ClassifiedError {
	return classify.New(
		classify.KindUnauthorizedPath,
		"Path is outside the allowed directory",
		fmt.Sprintf("%s: %s", path, reason),
	)
}
