// Package pathguard resolves plugin and adapter paths against a root
// directory and checks that executables stay inside it.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Options struct {
	// Restrict rejects any resolved path outside the root.
	Restrict bool
	// Create makes the root directory when it is missing.
	Create bool
}

// Guard resolves paths relative to one root.
type Guard struct {
	root     string
	restrict bool
}

func New(root string, opts Options) (*Guard, error) {
	resolved, err := ResolveRoot(root, opts.Create)
	if err != nil {
		return nil, err
	}
	return &Guard{root: resolved, restrict: opts.Restrict}, nil
}

// ResolveRoot expands ~, makes root absolute and follows symlinks. A missing
// root is created when create is set, and is an error otherwise.
func ResolveRoot(root string, create bool) (string, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return "", newError(ErrorInvalidPath, "root must not be empty")
	}

	expanded, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path: %w", err)
	}
	cleanPath := filepath.Clean(absPath)

	if create {
		if err := os.MkdirAll(cleanPath, 0o755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", cleanPath, err)
		}
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return "", normalize(err, cleanPath)
	}
	if !info.IsDir() {
		return "", newError(ErrorNotDirectory, "%s", cleanPath)
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", normalize(err, cleanPath)
	}

	return filepath.Clean(resolved), nil
}

func (g *Guard) Root() string {
	if g == nil {
		return ""
	}
	return g.root
}

// Resolve returns the canonical absolute form of path, relative paths being
// taken from the root.
func (g *Guard) Resolve(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", newError(ErrorInvalidPath, "path must not be empty")
	}

	candidate, err := expandHome(trimmed)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.root, candidate)
	}

	effective, err := canonicalPath(filepath.Clean(candidate))
	if err != nil {
		return "", err
	}

	if g.restrict && !isWithin(g.root, effective) {
		return "", newError(ErrorOutsideRoot, "%s escapes %s", path, g.root)
	}

	return effective, nil
}

// Executable resolves path and requires a regular file with an execute bit.
func (g *Guard) Executable(path string) (string, error) {
	resolved, err := g.Resolve(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", normalize(err, resolved)
	}
	if !isExecutable(info) {
		return "", newError(ErrorNotExecutable, "%s", resolved)
	}

	return resolved, nil
}

// Executables lists the executable regular files directly inside the root,
// sorted by name.
func (g *Guard) Executables() ([]string, error) {
	entries, err := os.ReadDir(g.root)
	if err != nil {
		return nil, normalize(err, g.root)
	}

	var paths []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		info, err := entry.Info()
		if err != nil || !isExecutable(info) {
			continue
		}
		paths = append(paths, filepath.Join(g.root, entry.Name()))
	}

	sort.Strings(paths)
	return paths, nil
}

// Rel returns path relative to the root when it lies inside it.
func (g *Guard) Rel(path string) string {
	rel, err := filepath.Rel(g.root, path)
	if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return filepath.Clean(path)
	}
	return rel
}

func isExecutable(info os.FileInfo) bool {
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func isWithin(root string, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// canonicalPath follows symlinks in the longest existing prefix of path.
func canonicalPath(path string) (string, error) {
	evaluated, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Clean(evaluated), nil
	}
	if !os.IsNotExist(err) {
		return "", normalize(err, path)
	}

	current := path
	var missing []string
	for {
		if _, err := os.Lstat(current); err == nil {
			break
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", newError(ErrorInvalidPath, "%s could not be resolved", path)
		}
		missing = append([]string{filepath.Base(current)}, missing...)
		current = parent
	}

	evaluatedParent, err := filepath.EvalSymlinks(current)
	if err != nil {
		return "", normalize(err, current)
	}

	return filepath.Join(append([]string{evaluatedParent}, missing...)...), nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
