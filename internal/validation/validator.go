package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/swimfs/internal/errors"
)

const (
	// MaxFileNameSize bounds SDFS names and local paths
	MaxFileNameSize = 1024
	// DefaultMaxFileSize is the largest body accepted by default (1GB)
	DefaultMaxFileSize = 1 << 30
)

// Validator validates names and sizes handed to storage operations
type Validator struct {
	maxNameSize int
	maxFileSize int64
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{maxNameSize: MaxFileNameSize, maxFileSize: DefaultMaxFileSize}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxNameSize int, maxFileSize int64) *Validator {
	return &Validator{maxNameSize: maxNameSize, maxFileSize: maxFileSize}
}

// ValidateFileSize rejects bodies larger than the configured maximum
func (v *Validator) ValidateFileSize(size int64) error {
	if size < 0 {
		return errors.InvalidArgument(fmt.Sprintf("invalid file size %d", size), nil)
	}
	if size > v.maxFileSize {
		return errors.InvalidArgument(fmt.Sprintf("file of %d bytes exceeds maximum %d", size, v.maxFileSize), nil).
			WithDetail("size", size).
			WithDetail("max_size", v.maxFileSize)
	}
	return nil
}

// ValidateFileName validates an SDFS file name
func (v *Validator) ValidateFileName(name string) error {
	if name == "" {
		return invalidName(name, "name cannot be empty")
	}
	if len(name) > v.maxNameSize {
		return invalidName(name, fmt.Sprintf("name exceeds maximum size of %d bytes", v.maxNameSize))
	}
	if strings.Contains(name, "\x00") {
		return invalidName(name, "name cannot contain null bytes")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return invalidName(name, "name cannot contain control characters")
		}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return invalidName(name, "name cannot contain '..' segments")
		}
	}
	return nil
}

// ValidatePrefix validates a listing prefix. The empty prefix matches every file.
func (v *Validator) ValidatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if len(prefix) > v.maxNameSize {
		return invalidName(prefix, fmt.Sprintf("prefix exceeds maximum size of %d bytes", v.maxNameSize))
	}
	if strings.ContainsFunc(prefix, unicode.IsControl) {
		return invalidName(prefix, "prefix cannot contain control characters")
	}
	return nil
}

// ValidateLocalPath validates a path on the local filesystem
func (v *Validator) ValidateLocalPath(path string) error {
	if path == "" {
		return errors.InvalidArgument("local path cannot be empty", nil)
	}
	if len(path) > v.maxNameSize {
		return errors.InvalidArgument(fmt.Sprintf("local path exceeds maximum size of %d bytes", v.maxNameSize), nil).
			WithDetail("path", path)
	}
	if strings.Contains(path, "\x00") {
		return errors.InvalidArgument("local path cannot contain null bytes", nil).
			WithDetail("path", path)
	}
	return nil
}

func invalidName(name, reason string) *errors.StorageError {
	return errors.InvalidArgument(fmt.Sprintf("invalid file name '%s': %s", name, reason), nil).
		WithDetail("name", name).
		WithDetail("reason", reason)
}
