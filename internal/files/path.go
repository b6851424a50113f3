// Package files implements the sandbox file operations surface: mkdir,
// read/write, streamed read, delete, rename, move, and list, with a
// path policy that external HTTP callers must go through and internal
// callers may bypass.
package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nextlevelbuilder/goclaw/internal/apperr"
)

// DefaultDenyList is the minimum deny-listed absolute prefixes for
// external callers.
var DefaultDenyList = []string{"/etc", "/var/log", "/usr", "/root", "/dev", "/proc", "/sys"}

// Resolver validates and canonicalizes paths against a sandbox root.
type Resolver struct {
	root     string
	denyList []string
}

// NewResolver creates a Resolver rooted at root, rejecting the supplied
// absolute deny-list prefixes for any externally-originated call.
func NewResolver(root string, denyList []string) *Resolver {
	if denyList == nil {
		denyList = DefaultDenyList
	}
	return &Resolver{root: root, denyList: denyList}
}

// Resolve canonicalizes path relative to the sandbox root. When enforce
// is true (external HTTP callers), it rejects traversal outside root and
// any path under the deny list, surfacing apperr.SecurityViolation.
// Internal callers pass enforce=false to bypass the policy.
func (r *Resolver) Resolve(path string, enforce bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(r.root, path))
	}

	if !enforce {
		return resolved, nil
	}

	for _, denied := range r.denyList {
		if isPathInside(resolved, denied) {
			return "", apperr.SecurityViolation(403, apperr.ViolationPathTraversal, path, fmt.Sprintf("path is under denied prefix %s", denied))
		}
	}

	rootReal, err := filepath.EvalSymlinks(r.root)
	if err != nil {
		rootReal = r.root
	}

	real, err := canonicalize(resolved)
	if err != nil {
		return "", apperr.SecurityViolation(403, apperr.ViolationPathTraversal, path, "cannot resolve path")
	}

	if !isPathInside(real, rootReal) {
		return "", apperr.SecurityViolation(403, apperr.ViolationPathTraversal, path, "path escapes sandbox root")
	}

	return real, nil
}

// canonicalize resolves symlinks for existing paths, and for
// non-existent paths resolves through the deepest existing ancestor.
func canonicalize(absPath string) (string, error) {
	if real, err := filepath.EvalSymlinks(absPath); err == nil {
		return real, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	current := absPath
	var tail []string
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(absPath), nil
		}
		tail = append([]string{filepath.Base(current)}, tail...)
		current = parent
		if realParent, err := filepath.EvalSymlinks(current); err == nil {
			result := realParent
			for _, c := range tail {
				result = filepath.Join(result, c)
			}
			return result, nil
		}
	}
}

func isPathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// checkHardlink rejects regular files with nlink > 1.
func checkHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		return apperr.SecurityViolation(403, apperr.ViolationPathTraversal, path, "hardlinked file not allowed")
	}
	return nil
}
