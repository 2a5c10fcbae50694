package plugin

import (
	"errors"
	"fmt"
)

var (
	ErrNoMatch        = errors.New("no plugin matches")
	ErrDenied         = errors.New("permission denied")
	ErrMissingPattern = errors.New("pattern is required")
)

// InvalidManifestError reports a manifest that cannot be turned into a
// Descriptor.
type InvalidManifestError struct {
	Path   string
	Reason string
	Err    error
}

func (e *InvalidManifestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid manifest %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid manifest %s: %s", e.Path, e.Reason)
}

func (e *InvalidManifestError) Unwrap() error {
	return e.Err
}
