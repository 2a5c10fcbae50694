package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

const (
	ErrorInvalidPath      = "invalid_path"
	ErrorOutsideRoot      = "outside_root"
	ErrorPathNotFound     = "path_not_found"
	ErrorPermissionDenied = "permission_denied"
	ErrorNotExecutable    = "not_executable"
	ErrorNotDirectory     = "not_directory"
	ErrorIO               = "io_error"
)

// Error is a categorized path resolution failure.
type Error struct {
	Category string
	Detail   string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func newError(category string, format string, args ...any) error {
	return &Error{Category: category, Detail: fmt.Sprintf(format, args...)}
}

// Category returns the stable category of err, or "" for nil.
func Category(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorPathNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorPermissionDenied
	default:
		return ErrorIO
	}
}

// normalize turns an OS error into a categorized one naming path.
func normalize(err error, path string) error {
	if err == nil {
		return nil
	}

	category := Category(err)
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return newError(category, "%s: %s", path, pathErr.Err)
	}
	return newError(category, "%s: %s", path, err)
}
