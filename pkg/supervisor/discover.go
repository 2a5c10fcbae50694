package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"

	"acople/pkg/pathguard"
)

// Discover returns one Spec per executable regular file directly inside dir.
// The adapter name is the file name without its extension.
func Discover(dir string) ([]Spec, error) {
	guard, err := pathguard.New(dir, pathguard.Options{Restrict: true})
	if err != nil {
		return nil, fmt.Errorf("open adapters directory: %w", err)
	}

	paths, err := guard.Executables()
	if err != nil {
		return nil, fmt.Errorf("list adapters: %w", err)
	}

	specs := make([]Spec, 0, len(paths))
	for _, path := range paths {
		base := filepath.Base(path)
		specs = append(specs, Spec{Name: strings.TrimSuffix(base, filepath.Ext(base)), Path: path})
	}
	return specs, nil
}

// Resolve makes every configured adapter path absolute against dir and
// checks that it is executable. Paths may point outside dir.
func Resolve(dir string, specs []Spec) ([]Spec, error) {
	guard, err := pathguard.New(dir, pathguard.Options{})
	if err != nil {
		return nil, fmt.Errorf("open adapters directory: %w", err)
	}

	out := make([]Spec, 0, len(specs))
	for _, spec := range specs {
		path, err := guard.Executable(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("adapter %s: %w", spec.Name, err)
		}
		spec.Path = path
		if spec.Name == "" {
			base := filepath.Base(path)
			spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
		}
		out = append(out, spec)
	}
	return out, nil
}
