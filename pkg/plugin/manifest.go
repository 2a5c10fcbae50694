// Package plugin discovers command plugins, decides who may run them and
// drives their worker processes.
package plugin

import (
	"bytes"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"acople/pkg/pathguard"
)

// Manifest is the YAML file describing one plugin.
type Manifest struct {
	Name    string   `yaml:"name"`
	Pattern string   `yaml:"pattern"`
	Sudo    bool     `yaml:"sudo"`
	Desc    string   `yaml:"desc"`
	Type    string   `yaml:"type"`
	URL     string   `yaml:"url"`
	Deps    []string `yaml:"deps"`
	Exec    string   `yaml:"exec"`
	Args    []string `yaml:"args"`
}

// Descriptor is a validated, runnable plugin.
type Descriptor struct {
	Name       string
	FilePath   string
	ExecPath   string
	Args       []string
	Pattern    *regexp.Regexp
	RawPattern string
	Sudo       bool
	Desc       string
	Type       string
	URL        string
	Deps       []string
}

// Match reports whether text triggers the plugin. The argument string is the
// trimmed first capture group, or "" when the pattern has none.
func (d *Descriptor) Match(text string) (string, bool) {
	groups := d.Pattern.FindStringSubmatch(text)
	if groups == nil {
		return "", false
	}
	if len(groups) > 1 {
		return strings.TrimSpace(groups[1]), true
	}
	return "", true
}

// CompilePattern anchors raw behind the escaped prefix, case-insensitively.
func CompilePattern(prefix, raw string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)^" + regexp.QuoteMeta(prefix) + "(?:" + raw + ")$")
}

// Loader turns manifest files into descriptors.
type Loader struct {
	Prefix string
	// Guard, when set, resolves exec paths and enforces its containment.
	Guard *pathguard.Guard
}

// Load parses and validates one manifest.
func (l Loader) Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InvalidManifestError{Path: path, Reason: "read failed", Err: err}
	}

	var manifest Manifest
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&manifest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &InvalidManifestError{Path: path, Reason: "empty manifest"}
		}
		return nil, &InvalidManifestError{Path: path, Reason: "malformed yaml", Err: err}
	}

	name := strings.TrimSpace(manifest.Name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	raw := strings.TrimSpace(manifest.Pattern)
	if raw == "" {
		return nil, &InvalidManifestError{Path: path, Reason: "no pattern", Err: ErrMissingPattern}
	}
	pattern, err := CompilePattern(l.Prefix, raw)
	if err != nil {
		return nil, &InvalidManifestError{Path: path, Reason: "bad pattern", Err: err}
	}

	execPath, err := l.resolveExec(path, strings.TrimSpace(manifest.Exec))
	if err != nil {
		return nil, &InvalidManifestError{Path: path, Reason: "bad exec", Err: err}
	}

	return &Descriptor{
		Name:       name,
		FilePath:   path,
		ExecPath:   execPath,
		Args:       manifest.Args,
		Pattern:    pattern,
		RawPattern: raw,
		Sudo:       manifest.Sudo,
		Desc:       manifest.Desc,
		Type:       manifest.Type,
		URL:        manifest.URL,
		Deps:       manifest.Deps,
	}, nil
}

// resolveExec resolves exec relative to the manifest directory. A bare command
// name that does not exist there is looked up on PATH; the result still goes
// through the guard.
func (l Loader) resolveExec(manifestPath, execField string) (string, error) {
	if execField == "" {
		return "", errors.New("exec is required")
	}

	candidate := execField
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(filepath.Dir(manifestPath), execField)
	}

	if !strings.ContainsRune(execField, filepath.Separator) {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			found, err := exec.LookPath(execField)
			if err != nil {
				return "", err
			}
			candidate = found
		}
	}

	if l.Guard != nil {
		return l.Guard.Executable(candidate)
	}

	info, err := os.Stat(candidate)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return "", errors.New(candidate + " is not executable")
	}
	return candidate, nil
}
